// Package api serves the admin HTTP endpoints and the live event WebSocket.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/sipeed/misskeybot/pkg/bus"
	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/persistence"
	"github.com/sipeed/misskeybot/pkg/plugin"
	"github.com/sipeed/misskeybot/pkg/scheduler"
)

// PluginAdmin is the registry surface the API exposes. *plugin.Registry
// implements it.
type PluginAdmin interface {
	Descriptors() []plugin.Descriptor
	Lookup(name string) (plugin.Descriptor, bool)
	Enable(ctx context.Context, name string) error
	Disable(name string) error
}

// StoreStats is implemented by *persistence.Store.
type StoreStats interface {
	Stats(ctx context.Context, dayStart time.Time) (persistence.Stats, error)
	Health(ctx context.Context) error
}

// AutopostStatus is implemented by *scheduler.Autopost.
type AutopostStatus interface {
	Status() scheduler.Status
}

type Options struct {
	Addr  string
	Token string

	Plugins  PluginAdmin
	Store    StoreStats
	Autopost AutopostStatus // nil when autoposting is disabled
	Bus      *bus.MessageBus
	Metrics  http.Handler
	Location *time.Location
	Model    string
}

// Server is the admin API server.
type Server struct {
	opts        Options
	wsHub       *WSHub
	eventBridge *EventBridge
	startTime   time.Time
	server      *http.Server
}

// NewServer creates the server. An empty token is replaced by a random
// session token printed once at startup.
func NewServer(opts Options) *Server {
	if opts.Token == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			opts.Token = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("misskeybot admin API token (this session only):")
			fmt.Printf("  %s\n", opts.Token)
			fmt.Println("Set server.token in the config file to make it permanent.")
			fmt.Println()
		}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	s := &Server{
		opts:      opts,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s)
	if opts.Bus != nil {
		s.eventBridge = NewEventBridge(opts.Bus, s.wsHub)
	}
	return s
}

// Token returns the bearer token clients must present.
func (s *Server) Token() string { return s.opts.Token }

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/plugins", s.handlePlugins)
	mux.HandleFunc("GET /api/plugins/{name}", s.handlePlugin)
	mux.HandleFunc("POST /api/plugins/{name}/enable", s.handlePluginToggle(true))
	mux.HandleFunc("POST /api/plugins/{name}/disable", s.handlePluginToggle(false))
	mux.HandleFunc("GET /api/ws", s.wsHub.HandleWebSocket)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	return corsMiddleware(authMiddleware(s.opts.Token, mux))
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Admin API server starting", map[string]interface{}{
		"addr": s.opts.Addr,
	})

	go s.wsHub.Run(ctx)
	if s.eventBridge != nil {
		go s.eventBridge.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	body := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.Health(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			body["store_error"] = err.Error()
		}
	}
	body["status"] = status
	writeJSON(w, code, body)
}

func (s *Server) snapshot(ctx context.Context) map[string]interface{} {
	uptime := time.Since(s.startTime)
	out := map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"model":          s.opts.Model,
		"goroutines":     runtime.NumGoroutine(),
	}
	if s.opts.Bus != nil {
		out["queue_depth"] = s.opts.Bus.InboundLen()
	}
	if s.opts.Autopost != nil {
		out["autopost"] = s.opts.Autopost.Status()
	} else {
		out["autopost"] = map[string]interface{}{"state": "disabled"}
	}
	if s.opts.Store != nil {
		dayStart := scheduler.StartOfDay(time.Now(), s.opts.Location)
		if stats, err := s.opts.Store.Stats(ctx, dayStart); err == nil {
			out["store"] = stats
			out["posts_today"] = stats.PostsToday
		} else {
			out["store_error"] = err.Error()
		}
	}
	if s.opts.Plugins != nil {
		enabled := 0
		descs := s.opts.Plugins.Descriptors()
		for _, d := range descs {
			if d.Enabled {
				enabled++
			}
		}
		out["plugins"] = map[string]int{"loaded": len(descs), "enabled": enabled}
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot(r.Context()))
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if s.opts.Plugins == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Plugins.Descriptors())
}

func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	if s.opts.Plugins == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "plugin not found"})
		return
	}
	desc, ok := s.opts.Plugins.Lookup(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "plugin not found"})
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handlePluginToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if s.opts.Plugins == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "plugin not found"})
			return
		}
		if _, ok := s.opts.Plugins.Lookup(name); !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "plugin not found"})
			return
		}

		var err error
		if enable {
			err = s.opts.Plugins.Enable(r.Context(), name)
		} else {
			err = s.opts.Plugins.Disable(name)
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		desc, _ := s.opts.Plugins.Lookup(name)
		if s.opts.Bus != nil {
			eventType := events.PluginDisabled
			if desc.Enabled {
				eventType = events.PluginEnabled
			}
			s.opts.Bus.PublishSystem(events.NewSystem(eventType, "api", events.PluginData{Plugin: name}))
		}
		logger.InfoCF("api", "Plugin state changed", map[string]interface{}{
			"plugin":  name,
			"enabled": desc.Enabled,
		})
		writeJSON(w, http.StatusOK, desc)
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
