// Package topics rotates through a list of topics and prefixes each
// generated autopost prompt with the next one.
package topics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/plugin"
)

const (
	Name = "topics"

	cursorKey       = "cursor"
	defaultTemplate = "Write about {topic}. "
)

var defaultTopics = []string{
	"technology", "daily life", "learning", "thinking", "innovation",
	"art", "music", "film", "books", "travel",
	"food", "health", "sports", "nature", "philosophy",
}

// Plugin keeps its cursor in its persistence namespace, so the rotation
// survives restarts.
type Plugin struct {
	mu       sync.Mutex
	topics   []string
	template string
}

func New() (plugin.Plugin, error) {
	return &Plugin{topics: defaultTopics, template: defaultTemplate}, nil
}

func (p *Plugin) Name() string        { return Name }
func (p *Plugin) Description() string { return "Adds a rotating topic to generated autoposts" }

// DefaultPriority is irrelevant for dispatch; topics never claims.
func (p *Plugin) DefaultPriority() int { return 50 }

// OnStartup loads plugins.topics.file (one topic per line), falling back to
// plugins.topics.list and then the built-in list.
func (p *Plugin) OnStartup(ctx context.Context, pc *plugin.Context) error {
	topics := pc.Config.LookupStrings("plugins.topics.list")
	if path := pc.Config.LookupString("plugins.topics.file", ""); path != "" {
		fromFile, err := readTopics(path)
		if err != nil {
			pc.Log.Warn("Failed to read topics file, using configured list", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		} else {
			topics = fromFile
		}
	}

	p.mu.Lock()
	if len(topics) > 0 {
		p.topics = topics
	}
	p.template = pc.Config.LookupString("plugins.topics.prefix_template", defaultTemplate)
	n := len(p.topics)
	p.mu.Unlock()

	pc.Log.Info("Topics loaded", map[string]interface{}{"count": n})
	return nil
}

func readTopics(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var topics []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			topics = append(topics, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("%s has no topics", path)
	}
	return topics, nil
}

// PromptPrefix returns the template filled with the next topic and advances
// the stored cursor.
func (p *Plugin) PromptPrefix(ctx context.Context, pc *plugin.Context, ev events.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.topics) == 0 {
		return "", nil
	}

	cursor := 0
	raw, ok, err := pc.Store.Get(ctx, cursorKey)
	if err != nil {
		return "", fmt.Errorf("read cursor: %w", err)
	}
	if ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cursor = n
		}
	}

	topic := p.topics[cursor%len(p.topics)]
	if err := pc.Store.Set(ctx, cursorKey, strconv.Itoa(cursor+1)); err != nil {
		// Repeating a topic next time is acceptable.
		pc.Log.Warn("Failed to save topic cursor", map[string]interface{}{"error": err.Error()})
	}
	pc.Log.Debug("Topic selected", map[string]interface{}{
		"topic":  topic,
		"cursor": cursor,
	})
	return strings.ReplaceAll(p.template, "{topic}", topic), nil
}
