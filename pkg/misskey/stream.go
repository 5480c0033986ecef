package misskey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/retry"
)

// EventHandler receives every event the stream produces. Errors are logged
// and do not interrupt the stream.
type EventHandler func(ctx context.Context, ev events.Event) error

// Streaming listens on the main channel of the streaming API and turns
// mention, reply and chat frames into events.
type Streaming struct {
	baseURL string
	token   string
	exec    *retry.Executor
	policy  retry.Policy
	dialer  *websocket.Dialer

	mu        sync.Mutex
	connected bool
	channelID string
}

func NewStreaming(instanceURL, token string, exec *retry.Executor, policy retry.Policy) *Streaming {
	return &Streaming{
		baseURL: normalizeBase(instanceURL),
		token:   token,
		exec:    exec,
		policy:  policy,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// StreamingURL converts an instance URL into its streaming endpoint.
func StreamingURL(instanceURL, token string) (string, error) {
	u, err := url.Parse(normalizeBase(instanceURL))
	if err != nil {
		return "", fmt.Errorf("invalid instance url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported instance url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/streaming"
	q := url.Values{}
	q.Set("i", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connected reports whether a stream is currently open.
func (s *Streaming) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

type frame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

type channelFrame struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Run connects, listens and reconnects until ctx is done. Each connection
// attempt series uses the retry policy; when it is exhausted Run returns
// the error.
func (s *Streaming) Run(ctx context.Context, handle EventHandler) error {
	wsURL, err := StreamingURL(s.baseURL, s.token)
	if err != nil {
		return err
	}

	for {
		conn, err := retry.Get(ctx, s.exec, "stream connect", s.policy, func(ctx context.Context) (*websocket.Conn, error) {
			return s.connect(ctx, wsURL)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("misskey streaming: %w", err)
		}

		err = s.listen(ctx, conn, handle)
		s.setConnected(false, "")
		if ctx.Err() != nil {
			logger.InfoC("misskey", "Streaming stopped")
			return nil
		}
		logger.WarnCF("misskey", "Stream disconnected, reconnecting", map[string]interface{}{
			"error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.policy.BaseDelay):
		}
	}
}

func (s *Streaming) connect(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, retry.FromStatus(resp.StatusCode, fmt.Errorf("failed to connect to streaming API (status: %d): %w", resp.StatusCode, err))
		}
		return nil, retry.Transient(fmt.Errorf("failed to connect to streaming API: %w", err))
	}

	channelID := uuid.NewString()
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	err = conn.WriteJSON(map[string]interface{}{
		"type": "connect",
		"body": map[string]interface{}{
			"channel": "main",
			"id":      channelID,
			"params":  map[string]interface{}{},
		},
	})
	if err != nil {
		conn.Close()
		return nil, retry.Transient(fmt.Errorf("failed to subscribe main channel: %w", err))
	}
	conn.SetWriteDeadline(time.Time{})

	s.setConnected(true, channelID)
	logger.InfoCF("misskey", "Connected to streaming API", map[string]interface{}{
		"channel_id": channelID,
	})
	return conn, nil
}

func (s *Streaming) setConnected(connected bool, channelID string) {
	s.mu.Lock()
	s.connected = connected
	s.channelID = channelID
	s.mu.Unlock()
}

func (s *Streaming) listen(ctx context.Context, conn *websocket.Conn, handle EventHandler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, ok, err := s.parse(data)
		if err != nil {
			logger.WarnCF("misskey", "Failed to parse stream frame", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if !ok {
			continue
		}
		if err := handle(ctx, ev); err != nil {
			logger.ErrorCF("misskey", "Event handler failed", map[string]interface{}{
				"event_id": ev.ID,
				"kind":     string(ev.Kind),
				"error":    err.Error(),
			})
		}
	}
}

// parse converts one frame. ok is false for frames that carry no event.
func (s *Streaming) parse(data []byte) (events.Event, bool, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return events.Event{}, false, err
	}
	if f.Type != "channel" {
		return events.Event{}, false, nil
	}
	var ch channelFrame
	if err := json.Unmarshal(f.Body, &ch); err != nil {
		return events.Event{}, false, err
	}

	s.mu.Lock()
	channelID := s.channelID
	s.mu.Unlock()
	if channelID != "" && ch.ID != channelID {
		return events.Event{}, false, nil
	}

	switch ch.Type {
	case "mention", "reply":
		var n Note
		if err := json.Unmarshal(ch.Body, &n); err != nil {
			return events.Event{}, false, fmt.Errorf("%s frame: %w", ch.Type, err)
		}
		if n.ID == "" {
			return events.Event{}, false, errors.New(ch.Type + " frame without note id")
		}
		return MentionEvent(n), true, nil
	case "newChatMessage", "messagingMessage":
		var m ChatMessage
		if err := json.Unmarshal(ch.Body, &m); err != nil {
			return events.Event{}, false, fmt.Errorf("%s frame: %w", ch.Type, err)
		}
		if m.ID == "" {
			return events.Event{}, false, errors.New(ch.Type + " frame without message id")
		}
		return ChatEvent(m), true, nil
	default:
		logger.DebugCF("misskey", "Ignoring stream event", map[string]interface{}{
			"type": ch.Type,
		})
		return events.Event{}, false, nil
	}
}
