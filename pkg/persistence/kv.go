package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Get returns the value stored under (namespace, key). ok is false when no
// value exists.
func (s *Store) Get(ctx context.Context, namespace, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT value FROM plugin_data WHERE namespace = ? AND key = ?", namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Set stores value under (namespace, key), replacing any previous value.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.exec(ctx, "set plugin data", `
		INSERT INTO plugin_data (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, toMillis(s.clock()),
	)
	return err
}

// Delete removes (namespace, key). Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.exec(ctx, "delete plugin data",
		"DELETE FROM plugin_data WHERE namespace = ? AND key = ?", namespace, key)
	return err
}

// Keys lists the keys stored in namespace, sorted.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM plugin_data WHERE namespace = ? ORDER BY key", namespace)
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Namespace is a key/value view confined to one plugin's namespace.
type Namespace struct {
	store *Store
	name  string
}

// Namespace returns the view for name.
func (s *Store) Namespace(name string) *Namespace {
	return &Namespace{store: s, name: name}
}

func (n *Namespace) Name() string { return n.name }

func (n *Namespace) Get(ctx context.Context, key string) (string, bool, error) {
	return n.store.Get(ctx, n.name, key)
}

func (n *Namespace) Set(ctx context.Context, key, value string) error {
	return n.store.Set(ctx, n.name, key, value)
}

func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.name, key)
}

func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	return n.store.Keys(ctx, n.name)
}
