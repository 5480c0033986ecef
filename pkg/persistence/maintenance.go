package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/sipeed/misskeybot/pkg/logger"
)

// MinRetention is the floor applied to Cleanup so records inside the current
// quota window are never removed. A calendar day lasts up to 25h across a
// daylight saving change, so one day of retention is not enough.
const MinRetention = 48 * time.Hour

// CleanupResult counts the rows removed by one Cleanup call.
type CleanupResult struct {
	Posts     int64 `json:"posts"`
	Processed int64 `json:"processed"`
}

// Total returns the number of rows removed.
func (r CleanupResult) Total() int64 { return r.Posts + r.Processed }

// Cleanup deletes post records and processed markers older than olderThan.
// Plugin data is left alone. Running it twice in a row removes nothing the
// second time.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupResult, error) {
	if olderThan < MinRetention {
		olderThan = MinRetention
	}
	cutoff := toMillis(s.clock().Add(-olderThan))

	s.mu.Lock()
	defer s.mu.Unlock()

	var res CleanupResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, &WriteError{Op: "cleanup", Err: err}
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, "DELETE FROM posts WHERE created_at < ?", cutoff)
	if err != nil {
		return res, &WriteError{Op: "cleanup posts", Err: err}
	}
	res.Posts, _ = r.RowsAffected()

	r, err = tx.ExecContext(ctx, "DELETE FROM processed_events WHERE processed_at < ?", cutoff)
	if err != nil {
		return CleanupResult{}, &WriteError{Op: "cleanup processed", Err: err}
	}
	res.Processed, _ = r.RowsAffected()

	if err := tx.Commit(); err != nil {
		return CleanupResult{}, &WriteError{Op: "cleanup commit", Err: err}
	}

	logger.InfoCF("persistence", "Cleanup finished", map[string]interface{}{
		"older_than": olderThan.String(),
		"posts":      res.Posts,
		"processed":  res.Processed,
	})
	return res, nil
}

// Vacuum compacts the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.exec(ctx, "vacuum", "VACUUM"); err != nil {
		return err
	}
	logger.DebugC("persistence", "Vacuum finished")
	return nil
}

// Stats summarises the store contents.
type Stats struct {
	TotalPosts        int   `json:"total_posts"`
	PostsToday        int   `json:"posts_today"`
	ProcessedMentions int   `json:"processed_mentions"`
	ProcessedChats    int   `json:"processed_chats"`
	PluginKeys        int   `json:"plugin_keys"`
	SizeBytes         int64 `json:"size_bytes"`
}

// Stats collects counts; dayStart bounds PostsToday.
func (s *Store) Stats(ctx context.Context, dayStart time.Time) (Stats, error) {
	var st Stats
	queries := []struct {
		dst   *int
		query string
		args  []interface{}
	}{
		{&st.TotalPosts, "SELECT COUNT(*) FROM posts", nil},
		{&st.PostsToday, "SELECT COUNT(*) FROM posts WHERE created_at >= ?", []interface{}{toMillis(dayStart)}},
		{&st.ProcessedMentions, "SELECT COUNT(*) FROM processed_events WHERE kind = ?", []interface{}{"mention"}},
		{&st.ProcessedChats, "SELECT COUNT(*) FROM processed_events WHERE kind = ?", []interface{}{"chat"}},
		{&st.PluginKeys, "SELECT COUNT(*) FROM plugin_data", nil},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dst); err != nil {
			return st, fmt.Errorf("stats: %w", err)
		}
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return st, fmt.Errorf("stats page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return st, fmt.Errorf("stats page_size: %w", err)
	}
	st.SizeBytes = pageCount * pageSize
	return st, nil
}
