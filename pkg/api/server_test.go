package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/misskeybot/pkg/bus"
	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/persistence"
	"github.com/sipeed/misskeybot/pkg/plugin"
	"github.com/sipeed/misskeybot/pkg/scheduler"
)

const testToken = "test-token"

type fakePlugins struct {
	mu    sync.Mutex
	descs []plugin.Descriptor
}

func (f *fakePlugins) Descriptors() []plugin.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plugin.Descriptor(nil), f.descs...)
}

func (f *fakePlugins) Lookup(name string) (plugin.Descriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.descs {
		if d.Name == name {
			return d, true
		}
	}
	return plugin.Descriptor{}, false
}

func (f *fakePlugins) set(name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.descs {
		if f.descs[i].Name == name {
			f.descs[i].Enabled = enabled
			return nil
		}
	}
	return errors.New("unknown plugin")
}

func (f *fakePlugins) Enable(ctx context.Context, name string) error { return f.set(name, true) }
func (f *fakePlugins) Disable(name string) error                     { return f.set(name, false) }

type fakeStore struct{ healthErr error }

func (s fakeStore) Stats(ctx context.Context, dayStart time.Time) (persistence.Stats, error) {
	return persistence.Stats{TotalPosts: 10, PostsToday: 2}, nil
}

func (s fakeStore) Health(ctx context.Context) error { return s.healthErr }

type fakeAutopost struct{}

func (fakeAutopost) Status() scheduler.Status {
	return scheduler.Status{State: scheduler.StateWaiting, Quota: 8}
}

func newTestServer(t *testing.T, mb *bus.MessageBus) (*Server, *fakePlugins) {
	t.Helper()
	plugins := &fakePlugins{descs: []plugin.Descriptor{
		{Name: "example", Priority: 10, Enabled: true},
		{Name: "ai_reply", Priority: 1000, Enabled: true},
	}}
	s := NewServer(Options{
		Token:    testToken,
		Plugins:  plugins,
		Store:    fakeStore{},
		Autopost: fakeAutopost{},
		Bus:      mb,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("misskeybot_up 1\n"))
		}),
		Model: "deepseek-chat",
	})
	return s, plugins
}

func do(t *testing.T, h http.Handler, method, path string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	tests := []struct {
		name string
		path string
		auth bool
		want int
	}{
		{"health is public", "/api/health", false, http.StatusOK},
		{"metrics is public", "/metrics", false, http.StatusOK},
		{"status needs token", "/api/status", false, http.StatusUnauthorized},
		{"status with token", "/api/status", true, http.StatusOK},
		{"plugins needs token", "/api/plugins", false, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodGet, tt.path, tt.auth); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("X-API-Key auth: status = %d", rec.Code)
	}
}

func TestHealthReportsStoreFailure(t *testing.T) {
	s := NewServer(Options{Token: testToken, Store: fakeStore{healthErr: errors.New("disk gone")}})
	rec := do(t, s.Handler(), http.MethodGet, "/api/health", false)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t, bus.NewMessageBus(4))
	rec := do(t, s.Handler(), http.MethodGet, "/api/status", true)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["posts_today"] != float64(2) || body["model"] != "deepseek-chat" {
		t.Errorf("status body = %v", body)
	}
	autopost, _ := body["autopost"].(map[string]interface{})
	if autopost["state"] != "waiting" {
		t.Errorf("autopost = %v", autopost)
	}
	plugins, _ := body["plugins"].(map[string]interface{})
	if plugins["loaded"] != float64(2) {
		t.Errorf("plugins = %v", plugins)
	}
}

func TestPluginToggle(t *testing.T) {
	mb := bus.NewMessageBus(4)
	sys := mb.SubscribeSystem("test")
	s, plugins := newTestServer(t, mb)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/plugins/example/disable", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: %d %s", rec.Code, rec.Body.String())
	}
	if d, _ := plugins.Lookup("example"); d.Enabled {
		t.Error("plugin should be disabled")
	}
	select {
	case ev := <-sys:
		if ev.Type != events.PluginDisabled {
			t.Errorf("system event = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("no system event")
	}

	do(t, h, http.MethodPost, "/api/plugins/example/enable", true)
	if d, _ := plugins.Lookup("example"); !d.Enabled {
		t.Error("plugin should be enabled again")
	}

	if rec := do(t, h, http.MethodPost, "/api/plugins/weather/enable", true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown plugin: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/plugins/example/enable", true); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on toggle: %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/plugins", true)
	var descs []plugin.Descriptor
	json.Unmarshal(rec.Body.Bytes(), &descs)
	if len(descs) != 2 || descs[0].Name != "example" {
		t.Errorf("plugins = %+v", descs)
	}
}

func TestWebSocketStreamsSystemEvents(t *testing.T) {
	mb := bus.NewMessageBus(4)
	s, _ := newTestServer(t, mb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.wsHub.Run(ctx)
	go s.eventBridge.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first WSEvent
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&first); err != nil || first.Type != "initial_state" {
		t.Fatalf("first frame = %+v, %v", first, err)
	}

	frames := make(chan WSEvent, 16)
	go func() {
		defer close(frames)
		conn.SetReadDeadline(time.Time{})
		for {
			var ev WSEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			frames <- ev
		}
	}()

	// The bridge subscribes asynchronously; publish until a frame arrives.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case <-ticker.C:
			mb.PublishSystem(events.NewSystem(events.AutopostPublished, "scheduler", events.AutopostData{Outcome: "published"}))
		case ev, ok := <-frames:
			if !ok {
				t.Fatal("connection closed")
			}
			if ev.Type == events.AutopostPublished {
				return
			}
		case <-timeout:
			t.Fatal("system event never reached the WebSocket client")
		}
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v", resp)
	}
}
