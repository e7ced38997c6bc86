package vectorindex

import "testing"

func unit(components ...float32) []float32 {
	return components
}

func TestInsertAndSearch(t *testing.T) {
	ix := New(2, 10, 0.0)
	ix.InsertOrUpdate(1, unit(1, 0))
	ix.InsertOrUpdate(2, unit(0, 1))

	results := ix.Search(unit(1, 0), 5)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != 1 {
		t.Fatalf("expected id 1 to score highest, got %d", results[0].ID)
	}
}

func TestUpdateMovesToLRUTail(t *testing.T) {
	ix := New(2, 2, -1)
	ix.InsertOrUpdate(1, unit(1, 0))
	ix.InsertOrUpdate(2, unit(0, 1))
	// Touch id 1 again so id 2 becomes the oldest.
	ix.InsertOrUpdate(1, unit(0.9, 0.1))
	ix.InsertOrUpdate(3, unit(1, 1))

	if ix.Contains(2) {
		t.Fatalf("expected id 2 (least recently touched) to be evicted")
	}
	if !ix.Contains(1) || !ix.Contains(3) {
		t.Fatalf("expected ids 1 and 3 to remain resident")
	}
}

func TestLRUEviction(t *testing.T) {
	ix := New(2, 3, -1)
	ix.InsertOrUpdate(1, unit(1, 0))
	ix.InsertOrUpdate(2, unit(0, 1))
	ix.InsertOrUpdate(3, unit(1, 1))
	ix.InsertOrUpdate(4, unit(-1, 0))

	if ix.Len() != 3 {
		t.Fatalf("expected 3 resident rows, got %d", ix.Len())
	}
	for _, id := range []int64{2, 3, 4} {
		if !ix.Contains(id) {
			t.Errorf("expected id %d to remain resident", id)
		}
	}
	if ix.Contains(1) {
		t.Fatalf("expected id 1 to have been evicted")
	}
}

func TestSearchFiltersByThreshold(t *testing.T) {
	ix := New(2, 10, 0.5)
	ix.InsertOrUpdate(1, unit(1, 0))
	ix.InsertOrUpdate(2, unit(0, 1))

	results := ix.Search(unit(1, 0), 5)
	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("expected only id 1 to clear threshold, got %+v", results)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := New(2, 10, 0.0)
	if got := ix.Search(unit(1, 0), 5); got != nil {
		t.Fatalf("expected nil results on empty index, got %+v", got)
	}
}

func TestSearchKLargerThanSize(t *testing.T) {
	ix := New(2, 10, -1)
	ix.InsertOrUpdate(1, unit(1, 0))
	results := ix.Search(unit(1, 0), 100)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestResultsOrderedByScoreDescendingThenIDDescending(t *testing.T) {
	ix := New(2, 10, -1)
	// ids 1 and 2 are identical vectors: tie-break must prefer id 2.
	ix.InsertOrUpdate(1, unit(1, 0))
	ix.InsertOrUpdate(2, unit(1, 0))
	ix.InsertOrUpdate(3, unit(0, 1))

	results := ix.Search(unit(1, 0), 10)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != 2 || results[1].ID != 1 {
		t.Fatalf("expected tie broken by descending id, got %+v", results)
	}
	if results[2].ID != 3 {
		t.Fatalf("expected id 3 last, got %+v", results)
	}
}

func TestDeleteSwapRemove(t *testing.T) {
	ix := New(2, 10, -1)
	ix.InsertOrUpdate(1, unit(1, 0))
	ix.InsertOrUpdate(2, unit(0, 1))
	ix.InsertOrUpdate(3, unit(1, 1))

	ix.Delete(1)
	if ix.Contains(1) {
		t.Fatalf("expected id 1 removed")
	}
	if ix.Len() != 2 {
		t.Fatalf("expected 2 rows remaining, got %d", ix.Len())
	}
	// Remaining rows must still score correctly after the swap.
	results := ix.Search(unit(0, 1), 10)
	found := false
	for _, r := range results {
		if r.ID == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected id 2 to still be searchable after swap-remove, got %+v", results)
	}
}

func TestDeleteNonexistentIsNoop(t *testing.T) {
	ix := New(2, 10, -1)
	ix.InsertOrUpdate(1, unit(1, 0))
	ix.Delete(999)
	if ix.Len() != 1 {
		t.Fatalf("expected delete of nonexistent id to be a no-op, got len %d", ix.Len())
	}
}

func TestBulkLoadPreservesInsertionOrderAsLRU(t *testing.T) {
	ix := New(2, 2, -1)
	ix.BulkLoad([]LoadEntry{
		{ID: 1, Vec: unit(1, 0)},
		{ID: 2, Vec: unit(0, 1)},
		{ID: 3, Vec: unit(1, 1)},
	})
	if ix.Contains(1) {
		t.Fatalf("expected oldest loaded id to be evicted under capacity clip")
	}
	if !ix.Contains(2) || !ix.Contains(3) {
		t.Fatalf("expected the two most recent loaded ids to remain")
	}
}

func TestClear(t *testing.T) {
	ix := New(2, 10, -1)
	ix.InsertOrUpdate(1, unit(1, 0))
	ix.Clear()
	if ix.Len() != 0 {
		t.Fatalf("expected empty index after Clear, got len %d", ix.Len())
	}
	if ix.Search(unit(1, 0), 5) != nil {
		t.Fatalf("expected no results after Clear")
	}
}

func TestCapacityZeroMeansUnbounded(t *testing.T) {
	ix := New(2, 0, -1)
	for i := int64(1); i <= 100; i++ {
		ix.InsertOrUpdate(i, unit(1, 0))
	}
	if ix.Len() != 100 {
		t.Fatalf("expected capacity 0 to mean unbounded, got len %d", ix.Len())
	}
}
