package persistence

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// PostRecord is one successfully published autonomous post. Only the
// scheduler writes these, and only after the publish call succeeded.
type PostRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"content_hash"`
	Visibility  string    `json:"visibility,omitempty"`
	NoteID      string    `json:"note_id,omitempty"`
	// Source is the claiming plugin, or "model" for generated content.
	Source string `json:"source,omitempty"`
}

// HashContent returns the hex blake3 digest stored as ContentHash.
func HashContent(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Record persists rec, filling ID and Timestamp when unset.
func (s *Store) Record(ctx context.Context, rec PostRecord) (PostRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	_, err := s.exec(ctx, "record post", `
		INSERT INTO posts (id, created_at, content_hash, visibility, note_id, source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, toMillis(rec.Timestamp), rec.ContentHash, rec.Visibility, rec.NoteID, rec.Source,
	)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// CountSince returns how many posts were recorded at or after t.
func (s *Store) CountSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM posts WHERE created_at >= ?", toMillis(t),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

// RecentPosts returns up to limit posts, newest first.
func (s *Store) RecentPosts(ctx context.Context, limit int) ([]PostRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, content_hash, visibility, note_id, source
		FROM posts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []PostRecord
	for rows.Next() {
		var rec PostRecord
		var ts int64
		if err := rows.Scan(&rec.ID, &ts, &rec.ContentHash, &rec.Visibility, &rec.NoteID, &rec.Source); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		rec.Timestamp = fromMillis(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}
