// Package console is a local listener for operators: each line typed at the
// prompt becomes a chat event, and responses are printed back.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/sipeed/misskeybot/pkg/bus"
	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
)

// LineReader is the subset of *readline.Instance the console uses.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// EventHandler receives each event typed at the prompt.
type EventHandler func(ctx context.Context, ev events.Event) error

type Config struct {
	Prompt      string
	HistoryFile string
	Username    string
}

type Console struct {
	cfg    Config
	reader LineReader
	out    io.Writer
	mu     sync.Mutex
}

// New opens a readline prompt on the terminal.
func New(cfg Config) (*Console, error) {
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cfg.Prompt,
		HistoryFile:     cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("open console: %w", err)
	}
	return NewWithReader(cfg, rl, rl.Stdout()), nil
}

// NewWithReader builds a console on an arbitrary line source.
func NewWithReader(cfg Config, r LineReader, out io.Writer) *Console {
	if cfg.Username == "" {
		cfg.Username = "operator"
	}
	if out == nil {
		out = os.Stdout
	}
	return &Console{cfg: cfg, reader: r, out: out}
}

// Run reads lines until EOF, an interrupt, "/quit", or ctx is done.
//
// Lines are chat events by default; a "/mention " prefix produces a mention
// event instead.
func (c *Console) Run(ctx context.Context, handle EventHandler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.reader.Close()
		case <-stop:
		}
	}()
	defer c.reader.Close()

	c.println("Type a message, /mention <text> to mention the bot, /quit to exit.")
	for {
		line, err := c.reader.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read console: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		ev := c.eventFor(line)
		if err := handle(ctx, ev); err != nil {
			logger.WarnCF("console", "Event rejected", map[string]interface{}{
				"error": err.Error(),
			})
			c.println("! " + err.Error())
		}
	}
}

func (c *Console) eventFor(line string) events.Event {
	kind := events.KindChat
	if rest, ok := strings.CutPrefix(line, "/mention "); ok {
		kind = events.KindMention
		line = strings.TrimSpace(rest)
	}
	id := uuid.NewString()
	return events.Event{
		ID:      id,
		Kind:    kind,
		Channel: events.ChannelConsole,
		Text:    events.String(line),
		Origin:  events.ChannelConsole,
		Sender: events.Sender{
			ID:       events.ChannelConsole,
			Username: c.cfg.Username,
		},
		ReplyTo:   id,
		CreatedAt: time.Now(),
	}
}

// Deliver prints a response. It is registered as the console responder on
// the bus.
func (c *Console) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	text := msg.Response.Text
	if len(msg.Response.FileIDs) > 0 {
		text += fmt.Sprintf(" [files: %s]", strings.Join(msg.Response.FileIDs, ", "))
	}
	label := "bot"
	if msg.Plugin != "" {
		label = "bot/" + msg.Plugin
	}
	c.println(label + "> " + text)
	return nil
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}
