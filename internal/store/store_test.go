package store

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T, dim int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "embeddings.db")
	s, err := Open(path, dim)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVectorCodecRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		vec  []float32
	}{
		{"unit", []float32{1, 0, 0, 0}},
		{"negative", []float32{-0.5, 0.5, -0.70710677, 0.0}},
		{"zero", []float32{0, 0, 0, 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob := encodeVector(tc.vec)
			got, err := decodeVector(blob)
			if err != nil {
				t.Fatalf("decodeVector: %v", err)
			}
			if len(got) != len(tc.vec) {
				t.Fatalf("length mismatch: got %d want %d", len(got), len(tc.vec))
			}
			for i := range tc.vec {
				if got[i] != tc.vec[i] {
					t.Errorf("component %d: got %v want %v", i, got[i], tc.vec[i])
				}
			}
		})
	}
}

func TestPutBatchIdempotence(t *testing.T) {
	s := openTest(t, 4)
	rec := Record{ItemID: 1, Vector: []float32{1, 0, 0, 0}}

	if err := s.PutBatch([]Record{rec}); err != nil {
		t.Fatalf("first PutBatch: %v", err)
	}
	rec2 := Record{ItemID: 1, Vector: []float32{0, 1, 0, 0}}
	if err := s.PutBatch([]Record{rec2}); err != nil {
		t.Fatalf("second PutBatch: %v", err)
	}

	got, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got[1] != 1 || got[0] != 0 {
		t.Fatalf("expected second write to win, got %v", got)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one record, got %d", n)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTest(t, 4)
	got, err := s.Get(42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing id, got %v", got)
	}
}

func TestDimMismatchSkippedNotFatal(t *testing.T) {
	s := openTest(t, 4)
	// Insert directly with a mismatched dim to simulate a stale model binding.
	if _, err := s.db.Exec(`INSERT INTO embeddings (item_id, embedding, dim) VALUES (?, ?, ?)`,
		int64(7), encodeVector([]float32{1, 2, 3}), 3); err != nil {
		t.Fatalf("seed mismatched row: %v", err)
	}

	got, err := s.Get(7)
	if err != nil {
		t.Fatalf("Get should not error on dim mismatch: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for dim-mismatched row, got %v", got)
	}
	if s.SkippedDimMismatches() != 1 {
		t.Fatalf("expected skipped counter to increment, got %d", s.SkippedDimMismatches())
	}
}

func TestDeleteAndCount(t *testing.T) {
	s := openTest(t, 4)
	if err := s.PutBatch([]Record{
		{ItemID: 1, Vector: []float32{1, 0, 0, 0}},
		{ItemID: 2, Vector: []float32{0, 1, 0, 0}},
	}); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	if err := s.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining, got %d", n)
	}

	if err := s.Delete(999); err != nil {
		t.Fatalf("deleting a nonexistent id should not error: %v", err)
	}
}

func TestIterAllSkipsMismatchedRows(t *testing.T) {
	s := openTest(t, 4)
	if err := s.PutBatch([]Record{{ItemID: 1, Vector: []float32{1, 0, 0, 0}}}); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO embeddings (item_id, embedding, dim) VALUES (?, ?, ?)`,
		int64(2), encodeVector([]float32{1, 2, 3}), 3); err != nil {
		t.Fatalf("seed mismatched row: %v", err)
	}

	var seen []int64
	if err := s.IterAll(func(r Record) error {
		seen = append(seen, r.ItemID)
		return nil
	}); err != nil {
		t.Fatalf("IterAll: %v", err)
	}

	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("expected only item 1, got %v", seen)
	}
}

func TestCountMissing(t *testing.T) {
	s := openTest(t, 4)
	if err := s.PutBatch([]Record{{ItemID: 1, Vector: []float32{1, 0, 0, 0}}}); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	missing, err := s.CountMissing([]int64{1, 2, 3})
	if err != nil {
		t.Fatalf("CountMissing: %v", err)
	}
	if missing != 2 {
		t.Fatalf("expected 2 missing, got %d", missing)
	}
}
