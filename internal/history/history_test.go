package history

import (
	"context"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndListTextItemIDs(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	id1, err := s.Put(ctx, "hello world")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	id2, err := s.Put(ctx, "automobile engine")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ids, err := s.ListTextItemIDs(ctx)
	if err != nil {
		t.Fatalf("ListTextItemIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != id1 || ids[1] != id2 {
		t.Fatalf("expected [%d %d] ascending, got %v", id1, id2, ids)
	}
}

func TestGetItemsOmitsDeleted(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	id, err := s.Put(ctx, "hello world")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	items, err := s.GetItems(ctx, []int64{id})
	if err != nil {
		t.Fatalf("GetItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected deleted item to be omitted, got %+v", items)
	}
}

func TestSubscribeReceivesNewItems(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	var got int64
	unsub := s.Subscribe(func(id int64) { got = id })
	defer unsub()

	id, err := s.Put(ctx, "new clipboard text")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got != id {
		t.Fatalf("expected subscriber to observe id %d, got %d", id, got)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	calls := 0
	unsub := s.Subscribe(func(id int64) { calls++ })
	unsub()

	if _, err := s.Put(ctx, "text"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no notifications after unsubscribe, got %d", calls)
	}
}
