package topics

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/plugin"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type mapConfig map[string]interface{}

func (c mapConfig) Lookup(path string) (interface{}, bool) { v, ok := c[path]; return v, ok }

func (c mapConfig) LookupString(path, def string) string {
	if s, ok := c[path].(string); ok {
		return s
	}
	return def
}

func (c mapConfig) LookupInt(path string, def int) int   { return def }
func (c mapConfig) LookupBool(path string, def bool) bool { return def }

func (c mapConfig) LookupStrings(path string) []string {
	items, _ := c[path].([]interface{})
	var out []string
	for _, it := range items {
		out = append(out, it.(string))
	}
	return out
}

func newContext(cfg mapConfig, kv *memKV) *plugin.Context {
	return plugin.NewContext(Name, plugin.Services{
		Config:    cfg,
		Namespace: func(string) plugin.KV { return kv },
	}, nil)
}

func TestPromptPrefixRotatesAndPersists(t *testing.T) {
	kv := &memKV{data: map[string]string{}}
	cfg := mapConfig{
		"plugins.topics.list":            []interface{}{"cats", "tea"},
		"plugins.topics.prefix_template": "Topic: {topic}. ",
	}
	pc := newContext(cfg, kv)
	ctx := context.Background()
	ev := events.NewAutopost("write", time.Now())

	p := &Plugin{}
	if err := p.OnStartup(ctx, pc); err != nil {
		t.Fatal(err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		prefix, err := p.PromptPrefix(ctx, pc, ev)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, prefix)
	}
	want := []string{"Topic: cats. ", "Topic: tea. ", "Topic: cats. "}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("prefix %d = %q, want %q", i, got[i], want[i])
		}
	}

	// A fresh instance continues from the stored cursor.
	p2 := &Plugin{}
	p2.OnStartup(ctx, pc)
	if prefix, _ := p2.PromptPrefix(ctx, pc, ev); prefix != "Topic: tea. " {
		t.Errorf("after restart prefix = %q", prefix)
	}
}

func TestTopicsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.txt")
	os.WriteFile(path, []byte("# seasonal\nautumn\n\nwinter\n"), 0o644)

	kv := &memKV{data: map[string]string{}}
	pc := newContext(mapConfig{"plugins.topics.file": path}, kv)
	p := &Plugin{}
	p.OnStartup(context.Background(), pc)

	if len(p.topics) != 2 || p.topics[0] != "autumn" {
		t.Fatalf("topics = %v", p.topics)
	}
	prefix, _ := p.PromptPrefix(context.Background(), pc, events.NewAutopost("x", time.Now()))
	if prefix != "Write about autumn. " {
		t.Errorf("prefix = %q", prefix)
	}
}

func TestDefaultsWithoutConfig(t *testing.T) {
	v, _ := New()
	p := v.(*Plugin)
	kv := &memKV{data: map[string]string{"cursor": "garbage"}}
	pc := newContext(mapConfig{}, kv)
	p.OnStartup(context.Background(), pc)

	prefix, err := p.PromptPrefix(context.Background(), pc, events.NewAutopost("x", time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if prefix != "Write about technology. " {
		t.Errorf("prefix = %q", prefix)
	}
	if kv.data["cursor"] != "1" {
		t.Errorf("cursor = %q", kv.data["cursor"])
	}
}
