// Package events defines the value types that flow through the dispatch
// chain: inbound Events, plugin Results and the Responses they carry.
//
// Events are immutable once constructed. Nothing downstream of the listener
// or the scheduler mutates one; plugins receive a copy.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an inbound event.
type Kind string

const (
	KindMention  Kind = "mention"
	KindChat     Kind = "chat"
	KindAutopost Kind = "autopost"
)

// AllKinds returns every event kind.
func AllKinds() []Kind {
	return []Kind{KindMention, KindChat, KindAutopost}
}

func (k Kind) String() string { return string(k) }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range AllKinds() {
		if known == k {
			return true
		}
	}
	return false
}

// Channel names the producer an event came from. Responses are routed back
// through the responder registered for the same channel.
const (
	ChannelMisskey   = "misskey"
	ChannelConsole   = "console"
	ChannelScheduler = "scheduler"
)

// File is an attachment reference carried by a mention or chat event.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"` // MIME type
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Comment  string `json:"comment,omitempty"`
	ThumbURL string `json:"thumbnail_url,omitempty"`
}

// Sender identifies the account that produced a mention or chat message.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Host     string `json:"host,omitempty"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

// Handle renders the sender as @user or @user@host.
func (s Sender) Handle() string {
	if s.Username == "" {
		return ""
	}
	if s.Host == "" {
		return "@" + s.Username
	}
	return "@" + s.Username + "@" + s.Host
}

// Conversation roles for Turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one earlier message of a chat conversation, oldest first in
// Event.History.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Event is one unit of inbound work for the dispatch chain.
type Event struct {
	ID      string `json:"id,omitempty"`
	Kind    Kind   `json:"kind"`
	Channel string `json:"channel"`

	// Text is nil when the triggering content is media only.
	Text    *string  `json:"text"`
	Files   []File   `json:"files,omitempty"`
	FileIDs []string `json:"file_ids,omitempty"`

	// Origin is the conversation, thread or user the event came from.
	// Empty for autopost events.
	Origin  string `json:"origin,omitempty"`
	Sender  Sender `json:"sender,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`

	// History holds the preceding messages of a chat conversation when the
	// bot is configured to fetch them. It never includes this event.
	History []Turn `json:"history,omitempty"`

	// Prompt is set only on autopost events.
	Prompt string `json:"prompt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ErrInvalidEvent is wrapped by every Validate failure.
var ErrInvalidEvent = errors.New("invalid event")

// TextOf returns the event text or "" when the event carries no text.
func (e Event) TextOf() string {
	if e.Text == nil {
		return ""
	}
	return *e.Text
}

// HasText reports whether the event carries non-blank text.
func (e Event) HasText() bool {
	return e.Text != nil && strings.TrimSpace(*e.Text) != ""
}

// HasMedia reports whether the event carries attachments.
func (e Event) HasMedia() bool {
	return len(e.Files) > 0 || len(e.FileIDs) > 0
}

// AttachmentIDs returns the attachment ids in order, merging Files and FileIDs
// without duplicates.
func (e Event) AttachmentIDs() []string {
	seen := make(map[string]bool, len(e.Files)+len(e.FileIDs))
	ids := make([]string, 0, len(e.Files)+len(e.FileIDs))
	for _, f := range e.Files {
		if f.ID != "" && !seen[f.ID] {
			seen[f.ID] = true
			ids = append(ids, f.ID)
		}
	}
	for _, id := range e.FileIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate checks the per-kind payload invariants.
func (e Event) Validate() error {
	switch e.Kind {
	case KindMention, KindChat:
		if e.Text == nil && !e.HasMedia() {
			return fmt.Errorf("%w: %s event carries neither text nor files", ErrInvalidEvent, e.Kind)
		}
		if e.Prompt != "" {
			return fmt.Errorf("%w: %s event must not carry a prompt", ErrInvalidEvent, e.Kind)
		}
		if e.Kind == KindMention && len(e.History) > 0 {
			return fmt.Errorf("%w: mention event must not carry chat history", ErrInvalidEvent)
		}
	case KindAutopost:
		if strings.TrimSpace(e.Prompt) == "" {
			return fmt.Errorf("%w: autopost event without prompt", ErrInvalidEvent)
		}
		if e.Text != nil || e.HasMedia() || len(e.History) > 0 {
			return fmt.Errorf("%w: autopost event must not carry text, files or history", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// WithHistory returns a copy of e carrying history.
func (e Event) WithHistory(history []Turn) Event {
	c := e.Clone()
	c.History = append([]Turn(nil), history...)
	return c
}

// String returns a pointer to s, for building events with text.
func String(s string) *string { return &s }

// NewAutopost builds the synthetic event the scheduler dispatches.
func NewAutopost(prompt string, at time.Time) Event {
	return Event{
		Kind:      KindAutopost,
		Channel:   ChannelScheduler,
		Prompt:    prompt,
		CreatedAt: at,
	}
}

// Clone returns a deep copy so a plugin cannot alter what the next plugin sees.
func (e Event) Clone() Event {
	c := e
	if e.Text != nil {
		c.Text = String(*e.Text)
	}
	if e.Files != nil {
		c.Files = append([]File(nil), e.Files...)
	}
	if e.FileIDs != nil {
		c.FileIDs = append([]string(nil), e.FileIDs...)
	}
	if e.History != nil {
		c.History = append([]Turn(nil), e.History...)
	}
	return c
}
