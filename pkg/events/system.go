package events

import "time"

// --- System event envelope ---

// SystemEvent is the envelope for observability events published on the bus
// and streamed to WebSocket clients. It never feeds the dispatch chain.
type SystemEvent struct {
	// Type identifies the event (e.g., "dispatch.claimed", "autopost.published")
	Type string `json:"type"`

	// Source identifies who emitted the event
	Source string `json:"source"`

	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload
	Data interface{} `json:"data"`
}

// NewSystem creates a timestamped system event.
func NewSystem(eventType, source string, data interface{}) SystemEvent {
	return SystemEvent{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// --- System event types ---

const (
	// Bot lifecycle
	BotStarted  = "bot.started"
	BotStopping = "bot.stopping"

	// Inbound flow
	EventReceived  = "event.received"
	EventDuplicate = "event.duplicate"
	EventDropped   = "event.dropped"

	// Dispatch
	DispatchClaimed   = "dispatch.claimed"
	DispatchUnclaimed = "dispatch.unclaimed"
	PluginFailed      = "plugin.failed"
	PluginEnabled     = "plugin.enabled"
	PluginDisabled    = "plugin.disabled"

	// Outbound
	ResponsePublished = "response.published"
	ResponseFailed    = "response.failed"

	// Autopost
	AutopostSkipped   = "autopost.skipped"
	AutopostPublished = "autopost.published"
	AutopostFailed    = "autopost.failed"

	// Maintenance
	MaintenanceRan = "maintenance.ran"
)

// --- Typed payloads ---

// EventData summarises an inbound event.
type EventData struct {
	EventID string `json:"event_id,omitempty"`
	Kind    Kind   `json:"kind"`
	Channel string `json:"channel"`
	From    string `json:"from,omitempty"`
	Preview string `json:"preview"` // truncated text
	Files   int    `json:"files,omitempty"`
}

// DispatchData describes the outcome of one chain walk.
type DispatchData struct {
	EventID  string `json:"event_id,omitempty"`
	Kind     Kind   `json:"kind"`
	Plugin   string `json:"plugin,omitempty"`
	Failures int    `json:"failures,omitempty"`
}

// PluginData describes a plugin state change or failure.
type PluginData struct {
	Plugin string `json:"plugin"`
	Hook   string `json:"hook,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AutopostData describes one scheduler fire.
type AutopostData struct {
	Outcome    string `json:"outcome"`
	NoteID     string `json:"note_id,omitempty"`
	Source     string `json:"source,omitempty"`
	PostsToday int    `json:"posts_today"`
	Quota      int    `json:"quota"`
	Error      string `json:"error,omitempty"`
}

// MaintenanceData describes a maintenance job run.
type MaintenanceData struct {
	Job      string `json:"job"`
	Affected int64  `json:"affected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Preview truncates s for log lines and live event payloads.
func Preview(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "…"
}
