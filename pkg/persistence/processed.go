package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProcessedMarker records that an inbound event has been seen.
type ProcessedMarker struct {
	Kind        string    `json:"kind"`
	EventID     string    `json:"event_id"`
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// MarkProcessed claims the dedupe marker for (kind, id). fresh is false when
// the marker already existed, meaning the event was handled before.
func (s *Store) MarkProcessed(ctx context.Context, kind, id, userID, username string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("mark processed: empty event id")
	}
	res, err := s.exec(ctx, "mark processed", `
		INSERT OR IGNORE INTO processed_events (kind, event_id, user_id, username, processed_at)
		VALUES (?, ?, ?, ?, ?)`,
		kind, id, userID, username, toMillis(s.clock()),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &WriteError{Op: "mark processed", Err: err}
	}
	return n == 1, nil
}

// Marker returns the marker for (kind, id), or ErrNotFound when the event
// was never seen.
func (s *Store) Marker(ctx context.Context, kind, id string) (ProcessedMarker, error) {
	m := ProcessedMarker{Kind: kind, EventID: id}
	var ts int64
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, username, processed_at FROM processed_events WHERE kind = ? AND event_id = ?", kind, id,
	).Scan(&m.UserID, &m.Username, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessedMarker{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return ProcessedMarker{}, fmt.Errorf("check processed: %w", err)
	}
	m.ProcessedAt = fromMillis(ts)
	return m, nil
}

// RecentProcessed returns up to limit markers of kind, newest first. An empty
// kind lists every kind.
func (s *Store) RecentProcessed(ctx context.Context, kind string, limit int) ([]ProcessedMarker, error) {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT kind, event_id, user_id, username, processed_at FROM processed_events"
	args := []interface{}{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY processed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	defer rows.Close()

	var out []ProcessedMarker
	for rows.Next() {
		var m ProcessedMarker
		var ts int64
		if err := rows.Scan(&m.Kind, &m.EventID, &m.UserID, &m.Username, &ts); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		m.ProcessedAt = fromMillis(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
