// Package store implements the durable embedding store (item_id -> vector).
package store

import (
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrDimMismatch names the case of a stored record whose dim disagrees with
// the store's configured dimension. The read paths (Get, GetMany, IterAll)
// do not return it: they skip such a record, count it (see
// SkippedDimMismatches), and never abort a batch read.
var ErrDimMismatch = errors.New("store: embedding dimension mismatch")

// Record is one durable embedding row.
type Record struct {
	ItemID int64
	Vector []float32
}

// Store is a SQLite-backed key-value mapping from item_id to a fixed-length
// L2-normalized vector. It never performs ANN search; it is purely a durable
// superset of whatever C3 holds in memory.
type Store struct {
	db  *sql.DB
	dim int

	mu          sync.Mutex
	skippedDims atomic.Int64
}

// Open opens (creating if needed) a SQLite database at path and ensures the
// embeddings schema exists. dim is the fixed embedding dimension enforced on
// read.
func Open(path string, dim int) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode = WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &Store{db: sqlDB, dim: dim}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutBatch writes records atomically, INSERT OR REPLACE by item_id. A batch
// either fully commits or fully rolls back; the caller is expected to retry
// the whole batch on failure (spec.md §4.1, §7: StoreIO recovers with up to
// three retries at the indexing-worker level).
func (s *Store) PutBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO embeddings (item_id, embedding, dim) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if len(r.Vector) != s.dim {
			tx.Rollback()
			return fmt.Errorf("store: record %d has dim %d, want %d", r.ItemID, len(r.Vector), s.dim)
		}
		if _, err := stmt.Exec(r.ItemID, encodeVector(r.Vector), s.dim); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: insert item %d: %w", r.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

// Get returns the vector for id, or (nil, nil) if absent. A dim mismatch is
// treated as absent (and counted) rather than returned as a hard error.
func (s *Store) Get(id int64) ([]float32, error) {
	var blob []byte
	var dim int
	err := s.db.QueryRow(`SELECT embedding, dim FROM embeddings WHERE item_id = ?`, id).Scan(&blob, &dim)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %d: %w", id, err)
	}
	if dim != s.dim {
		s.skippedDims.Add(1)
		return nil, nil
	}
	return decodeVector(blob)
}

// GetMany fetches multiple ids in one query, silently skipping missing or
// dim-mismatched rows.
func (s *Store) GetMany(ids []int64) ([]Record, error) {
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

	query := fmt.Sprintf(`SELECT item_id, embedding, dim FROM embeddings WHERE item_id IN (%s)`, placeholders)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get_many: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var id int64
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		if dim != s.dim {
			s.skippedDims.Add(1)
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			continue
		}
		out = append(out, Record{ItemID: id, Vector: vec})
	}
	return out, rows.Err()
}

// Delete removes the embedding for id. Deleting a nonexistent id is not an
// error.
func (s *Store) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM embeddings WHERE item_id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %d: %w", id, err)
	}
	return nil
}

// IterAll streams every valid (dim-matching) record to fn, in no particular
// order, for C3 rehydration at startup. A single corrupt or mismatched row
// is skipped rather than aborting the whole scan.
func (s *Store) IterAll(fn func(Record) error) error {
	rows, err := s.db.Query(`SELECT item_id, embedding, dim FROM embeddings`)
	if err != nil {
		return fmt.Errorf("store: iter_all: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			continue
		}
		if dim != s.dim {
			s.skippedDims.Add(1)
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			continue
		}
		if err := fn(Record{ItemID: id, Vector: vec}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteAll removes every row, used by rebuild_index to force a full
// re-encode.
func (s *Store) DeleteAll() error {
	_, err := s.db.Exec(`DELETE FROM embeddings`)
	if err != nil {
		return fmt.Errorf("store: delete_all: %w", err)
	}
	return nil
}

// Count returns the number of rows in the store.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// CountMissing returns how many of historyTextIDs have no embedding row.
func (s *Store) CountMissing(historyTextIDs []int64) (int, error) {
	if len(historyTextIDs) == 0 {
		return 0, nil
	}
	present := make(map[int64]bool, len(historyTextIDs))
	recs, err := s.GetMany(historyTextIDs)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		present[r.ItemID] = true
	}
	missing := 0
	for _, id := range historyTextIDs {
		if !present[id] {
			missing++
		}
	}
	return missing, nil
}

// SkippedDimMismatches returns the running count of rows skipped on read
// because their stored dim didn't match the store's configured dim.
func (s *Store) SkippedDimMismatches() int64 {
	return s.skippedDims.Load()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:(i+1)*4], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("store: blob length %d not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		bits := binary.LittleEndian.Uint32(blob[i*4 : (i+1)*4])
		v[i] = math.Float32frombits(bits)
	}
	return v, nil
}
