package misskey

import (
	"strings"

	"github.com/sipeed/misskeybot/pkg/events"
)

// RoomOriginPrefix marks a chat origin that is a room rather than a user.
const RoomOriginPrefix = "room:"

func fileOf(f DriveFile) events.File {
	out := events.File{
		ID:   f.ID,
		Name: f.Name,
		Type: f.Type,
		URL:  f.URL,
		Size: f.Size,
	}
	if f.Comment != nil {
		out.Comment = *f.Comment
	}
	if f.ThumbnailURL != nil {
		out.ThumbURL = *f.ThumbnailURL
	}
	return out
}

func senderOf(u User) events.Sender {
	return events.Sender{ID: u.ID, Username: u.Username, Host: u.HostName(), IsBot: u.IsBot}
}

// MentionEvent converts a note that mentions or replies to the bot. A note
// without text keeps a nil Text.
func MentionEvent(n Note) events.Event {
	ev := events.Event{
		ID:        n.ID,
		Kind:      events.KindMention,
		Channel:   events.ChannelMisskey,
		Origin:    n.UserID,
		Sender:    senderOf(n.User),
		ReplyTo:   n.ID,
		CreatedAt: n.CreatedAt,
	}
	if n.Text != nil {
		ev.Text = events.String(*n.Text)
	}
	for _, f := range n.Files {
		ev.Files = append(ev.Files, fileOf(f))
	}
	ev.FileIDs = append(ev.FileIDs, n.FileIDs...)
	if ev.Sender.ID == "" {
		ev.Sender.ID = n.UserID
	}
	return ev
}

// ChatEvent converts a chat message. Room messages get a "room:<id>" origin.
func ChatEvent(m ChatMessage) events.Event {
	ev := events.Event{
		ID:        m.ID,
		Kind:      events.KindChat,
		Channel:   events.ChannelMisskey,
		Origin:    m.FromUserID,
		CreatedAt: m.CreatedAt,
	}
	if room := m.RoomID(); room != "" {
		ev.Origin = RoomOriginPrefix + room
	}
	if m.FromUser != nil {
		ev.Sender = senderOf(*m.FromUser)
	}
	if ev.Sender.ID == "" {
		ev.Sender.ID = m.FromUserID
	}
	if m.Text != nil {
		ev.Text = events.String(*m.Text)
	}
	if m.File != nil {
		ev.Files = []events.File{fileOf(*m.File)}
	}
	if m.FileID != nil && *m.FileID != "" {
		ev.FileIDs = []string{*m.FileID}
	}
	return ev
}

// HistoryOf turns a newest-first chat timeline into turns, oldest first.
// The message ev was built from and anything sent after it are left out, as
// are messages without text. Messages from selfID become assistant turns.
func HistoryOf(timeline []ChatMessage, ev events.Event, selfID string, limit int) []events.Turn {
	var turns []events.Turn
	for i := len(timeline) - 1; i >= 0; i-- {
		m := timeline[i]
		if m.ID == ev.ID || m.Text == nil || strings.TrimSpace(*m.Text) == "" {
			continue
		}
		if !ev.CreatedAt.IsZero() && m.CreatedAt.After(ev.CreatedAt) {
			continue
		}
		role := events.RoleUser
		if selfID != "" && m.FromUserID == selfID {
			role = events.RoleAssistant
		}
		turns = append(turns, events.Turn{Role: role, Text: *m.Text})
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns
}
