package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/misskeybot/pkg/bus"
	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/misskey"
	"github.com/sipeed/misskeybot/pkg/retry"
)

// NoteAPI is the part of *misskey.Client the responder publishes through.
type NoteAPI interface {
	CreateNote(ctx context.Context, req misskey.NoteRequest) (misskey.Note, error)
	SendChatMessage(ctx context.Context, req misskey.ChatRequest) (misskey.ChatMessage, error)
}

// ChatTimelineAPI is the part of *misskey.Client chat history is read
// through.
type ChatTimelineAPI interface {
	ChatTimeline(ctx context.Context, origin string, limit int) ([]misskey.ChatMessage, error)
}

// Responder publishes claimed responses back to Misskey. It is registered
// on the bus for the misskey channel and doubles as the autopost publisher.
type Responder struct {
	api    NoteAPI
	exec   *retry.Executor
	policy retry.Policy

	replyVisibility string
	postVisibility  string
}

func NewResponder(api NoteAPI, exec *retry.Executor, policy retry.Policy, replyVisibility, postVisibility string) *Responder {
	return &Responder{
		api:             api,
		exec:            exec,
		policy:          policy,
		replyVisibility: replyVisibility,
		postVisibility:  postVisibility,
	}
}

// Deliver routes msg by the kind of the event that produced it.
func (r *Responder) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	switch msg.Event.Kind {
	case events.KindMention:
		return r.replyNote(ctx, msg.Event, msg.Response)
	case events.KindChat:
		return r.sendChat(ctx, msg.Event, msg.Response)
	default:
		return retry.Permanent(fmt.Errorf("no misskey route for %s events", msg.Event.Kind))
	}
}

// MentionText prefixes the reply with the sender's handle so the reply
// notifies them.
func MentionText(ev events.Event, text string) string {
	handle := ev.Sender.Handle()
	if handle == "" || strings.HasPrefix(text, handle) {
		return text
	}
	return handle + "\n" + text
}

func (r *Responder) replyNote(ctx context.Context, ev events.Event, resp events.Response) error {
	visibility := resp.Visibility
	if visibility == "" {
		visibility = r.replyVisibility
	}
	req := misskey.NoteRequest{
		Text:       MentionText(ev, resp.Text),
		Visibility: visibility,
		ReplyID:    ev.ReplyTo,
		FileIDs:    resp.FileIDs,
	}
	note, err := retry.Get(ctx, r.exec, "misskey reply", r.policy, func(ctx context.Context) (misskey.Note, error) {
		return r.api.CreateNote(ctx, req)
	})
	if err != nil {
		return err
	}
	logger.InfoCF("bot", "Replied to mention", map[string]interface{}{
		"reply_to": ev.ReplyTo,
		"note_id":  note.ID,
	})
	return nil
}

func (r *Responder) sendChat(ctx context.Context, ev events.Event, resp events.Response) error {
	req := misskey.ChatRequest{Text: resp.Text}
	if room, ok := strings.CutPrefix(ev.Origin, misskey.RoomOriginPrefix); ok {
		req.RoomID = room
	} else {
		req.UserID = ev.Origin
	}
	if len(resp.FileIDs) > 0 {
		req.FileID = resp.FileIDs[0]
		if len(resp.FileIDs) > 1 {
			logger.WarnCF("bot", "Chat messages carry one file, extra files dropped", map[string]interface{}{
				"files": len(resp.FileIDs),
			})
		}
	}
	msg, err := retry.Get(ctx, r.exec, "misskey chat", r.policy, func(ctx context.Context) (misskey.ChatMessage, error) {
		return r.api.SendChatMessage(ctx, req)
	})
	if err != nil {
		return err
	}
	logger.InfoCF("bot", "Sent chat message", map[string]interface{}{
		"to":         ev.Origin,
		"message_id": msg.ID,
	})
	return nil
}

// Publish creates a standalone note for the autopost scheduler.
func (r *Responder) Publish(ctx context.Context, resp events.Response) (string, error) {
	visibility := resp.Visibility
	if visibility == "" {
		visibility = r.postVisibility
	}
	note, err := retry.Get(ctx, r.exec, "misskey post", r.policy, func(ctx context.Context) (misskey.Note, error) {
		return r.api.CreateNote(ctx, misskey.NoteRequest{
			Text:       resp.Text,
			Visibility: visibility,
			FileIDs:    resp.FileIDs,
		})
	})
	if err != nil {
		return "", err
	}
	return note.ID, nil
}
