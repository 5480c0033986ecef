package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sipeed/misskeybot/pkg/plugin"
)

// Client talks to a running bot's admin API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://127.0.0.1:8765". A bare host:port gets an http:// prefix.
func NewClient(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status returns the /api/status snapshot.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *Client) Plugins(ctx context.Context) ([]plugin.Descriptor, error) {
	var out []plugin.Descriptor
	err := c.call(ctx, http.MethodGet, "/api/plugins", nil, &out)
	return out, err
}

// SetPluginEnabled enables or disables a plugin and returns its new
// descriptor.
func (c *Client) SetPluginEnabled(ctx context.Context, name string, enabled bool) (plugin.Descriptor, error) {
	action := "disable"
	if enabled {
		action = "enable"
	}
	var out plugin.Descriptor
	err := c.call(ctx, http.MethodPost, "/api/plugins/"+name+"/"+action, nil, &out)
	return out, err
}
