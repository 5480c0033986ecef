// Package misskey talks to a Misskey instance: the REST API for publishing
// and the streaming API for mentions and chat messages.
package misskey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sipeed/misskeybot/pkg/retry"
)

// APIError is a non-2xx response from the instance.
type APIError struct {
	StatusCode int
	Endpoint   string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("misskey %s returned %d: %s (%s)", e.Endpoint, e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("misskey %s returned status: %d", e.Endpoint, e.StatusCode)
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

type Option func(*Client)

func NewClient(instanceURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: normalizeBase(instanceURL),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func normalizeBase(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	return raw
}

// BaseURL returns the normalized instance URL.
func (c *Client) BaseURL() string { return c.baseURL }

// call POSTs params to /api/<endpoint> and decodes the response into out.
// Errors are classified for retry: 429 and 5xx are transient, other
// statuses permanent, network failures transient.
func (c *Client) call(ctx context.Context, endpoint string, params interface{}, out interface{}) error {
	if params == nil {
		params = struct{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode %s: %w", endpoint, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Transient(fmt.Errorf("misskey %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return retry.Transient(fmt.Errorf("read %s response: %w", endpoint, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.FromStatus(resp.StatusCode, parseAPIError(endpoint, resp.StatusCode, data))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s response: %w", endpoint, err))
	}
	return nil
}

func parseAPIError(endpoint string, status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Endpoint: endpoint}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Code = payload.Error.Code
		apiErr.Message = payload.Error.Message
	}
	return apiErr
}

// IsAPIError reports whether err carries an *APIError with the given status.
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "i", nil, &u)
	return u, err
}

// CreateNote publishes a note and returns it.
func (c *Client) CreateNote(ctx context.Context, req NoteRequest) (Note, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.FileIDs) == 0 {
		return Note{}, retry.Permanent(errors.New("note has neither text nor files"))
	}
	var out struct {
		CreatedNote Note `json:"createdNote"`
	}
	if err := c.call(ctx, "notes/create", req, &out); err != nil {
		return Note{}, err
	}
	return out.CreatedNote, nil
}

// SendChatMessage sends a direct or room chat message.
func (c *Client) SendChatMessage(ctx context.Context, req ChatRequest) (ChatMessage, error) {
	if strings.TrimSpace(req.Text) == "" && req.FileID == "" {
		return ChatMessage{}, retry.Permanent(errors.New("chat message has neither text nor file"))
	}
	params := map[string]interface{}{}
	if req.Text != "" {
		params["text"] = req.Text
	}
	if req.FileID != "" {
		params["fileId"] = req.FileID
	}

	endpoint := "chat/messages/create-to-user"
	switch {
	case req.RoomID != "":
		endpoint = "chat/messages/create-to-room"
		params["toRoomId"] = req.RoomID
	case req.UserID != "":
		params["toUserId"] = req.UserID
	default:
		return ChatMessage{}, retry.Permanent(errors.New("chat message without recipient"))
	}

	var msg ChatMessage
	err := c.call(ctx, endpoint, params, &msg)
	return msg, err
}

// Mentions returns the latest notes mentioning or replying to the bot,
// newest first.
func (c *Client) Mentions(ctx context.Context, limit int) ([]Note, error) {
	var notes []Note
	err := c.call(ctx, "notes/mentions", map[string]interface{}{"limit": limit}, &notes)
	return notes, err
}

// RecentChats returns the latest message of each direct and room
// conversation the bot takes part in.
func (c *Client) RecentChats(ctx context.Context, limit int) ([]ChatMessage, error) {
	var out []ChatMessage
	for _, room := range []bool{false, true} {
		var page []ChatMessage
		if err := c.call(ctx, "chat/history", map[string]interface{}{"limit": limit, "room": room}, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

// ChatTimeline returns the latest messages of one conversation, newest
// first. origin is a user id, or a room id behind RoomOriginPrefix.
func (c *Client) ChatTimeline(ctx context.Context, origin string, limit int) ([]ChatMessage, error) {
	if origin == "" || origin == RoomOriginPrefix {
		return nil, retry.Permanent(errors.New("chat timeline without conversation"))
	}
	endpoint := "chat/messages/user-timeline"
	params := map[string]interface{}{"limit": limit}
	if room, ok := strings.CutPrefix(origin, RoomOriginPrefix); ok {
		endpoint = "chat/messages/room-timeline"
		params["roomId"] = room
	} else {
		params["userId"] = origin
	}

	var msgs []ChatMessage
	err := c.call(ctx, endpoint, params, &msgs)
	return msgs, err
}
