// Package history implements the History Store (C7): a SQLite-backed
// stand-in for the external clipboard-history collaborator that spec.md §1
// treats as outside the core's scope. It implements exactly the Provider
// contract the core consumes (spec.md §6) — nothing else, so the rest of the
// surrounding app's dedup/polling logic stays explicitly out of scope.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Item is one clipboard history row visible to the core.
type Item struct {
	ID        int64
	Content   string
	Kind      string
	CreatedAt time.Time
}

// Provider is the contract the core consumes from the history layer,
// fixed by spec.md §6 and SPEC_FULL.md §6.
type Provider interface {
	ListTextItemIDs(ctx context.Context) ([]int64, error)
	GetItems(ctx context.Context, ids []int64) ([]Item, error)
	Subscribe(fn func(id int64)) (unsubscribe func())
}

// Store is a SQLite-backed Provider implementation, standing in for the
// real clipboard monitor and history schema (which spec.md places outside
// core scope). Grounded on the teacher's internal/db connection-setup idiom
// (WAL, foreign keys) and internal/index/watcher.go's callback-fan-out shape
// for Subscribe, replacing a filesystem watch with a direct in-process call.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	subs map[int]func(id int64)
	next int
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode = WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("history: enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Store{db: sqlDB, subs: make(map[int]func(id int64))}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// ListTextItemIDs returns all text-kind item ids, oldest first, so C4 can
// process candidates in the ascending order spec.md §4.4 requires.
func (s *Store) ListTextItemIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM history WHERE kind = 'text' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("history: list_text_item_ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("history: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetItems fetches items by id. Ids with no matching row are silently
// omitted from the result — callers (C6) treat that as "item was deleted"
// and self-heal by evicting it from the in-memory index.
func (s *Store) GetItems(ctx context.Context, ids []int64) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT id, content, kind, created_at FROM history WHERE id IN (%s)`, placeholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: get_items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Content, &it.Kind, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Put inserts a text item and fans the new id out to subscribers. It stands
// in for the real clipboard monitor in tests and demos.
func (s *Store) Put(ctx context.Context, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history (content, kind, created_at) VALUES (?, 'text', ?)`,
		content, time.Now())
	if err != nil {
		return 0, fmt.Errorf("history: put: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: last_insert_id: %w", err)
	}
	s.notify(id)
	return id, nil
}

// Delete removes the history row only. C7 has no knowledge of C1, so the
// item's embedding row is not removed here, and no caller removes it
// either; a later search that returns the id evicts it from C3 only.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("history: delete %d: %w", id, err)
	}
	return nil
}

// Subscribe registers fn to be called with the id of every newly Put text
// item. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(id int64)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(itemID int64) {
	s.mu.Lock()
	fns := make([]func(int64), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(itemID)
	}
}

var _ Provider = (*Store)(nil)
