package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/clipvec/clipvec/internal/history"
	"github.com/clipvec/clipvec/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *history.Store) {
	t.Helper()
	dir := t.TempDir()

	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	durable, err := store.Open(filepath.Join(dir, "embeddings.db"), 768)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { durable.Close() })

	o, err := New(Config{
		ModelDir:  filepath.Join(dir, "model"),
		Enabled:   true,
		Threshold: 0.2,
		Capacity:  50000,
	}, hist, durable)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	return o, hist
}

func TestStatusReportsModelNotDownloaded(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	st := o.Status(context.Background())
	if st.ModelDownloaded {
		t.Fatalf("expected model not downloaded in a fresh temp dir")
	}
	if st.ModelLoaded {
		t.Fatalf("expected model not loaded before any Embed call")
	}
	if !st.Enabled {
		t.Fatalf("expected Enabled to reflect the configured value")
	}
}

func TestStatusCountsTotalTextItems(t *testing.T) {
	o, hist := newTestOrchestrator(t)

	if _, err := hist.Put(context.Background(), "hello world"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := hist.Put(context.Background(), "automobile engine"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	st := o.Status(context.Background())
	if st.TotalTextCount != 2 {
		t.Fatalf("expected total text count 2, got %d", st.TotalTextCount)
	}
	if st.IndexedCount != 0 {
		t.Fatalf("expected 0 indexed before any bulk run, got %d", st.IndexedCount)
	}
}

func TestSearchReturnsErrDisabledWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	defer hist.Close()

	durable, err := store.Open(filepath.Join(dir, "embeddings.db"), 768)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer durable.Close()

	o, err := New(Config{ModelDir: filepath.Join(dir, "model"), Enabled: false, Threshold: 0.2, Capacity: 50000}, hist, durable)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	_, err = o.Search(context.Background(), "engine", 5)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.Search(context.Background(), "", 5)
	if !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestSearchWithoutModelReturnsModelUnavailable(t *testing.T) {
	o, hist := newTestOrchestrator(t)

	if _, err := hist.Put(context.Background(), "hello world"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err := o.Search(context.Background(), "hello", 5)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable with no model file present, got %v", err)
	}
}

func TestRebuildIndexClearsDurableStoreAndReturnsControlImmediately(t *testing.T) {
	o, hist := newTestOrchestrator(t)

	id, err := hist.Put(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := o.durable.PutBatch([]store.Record{{ItemID: id, Vector: make([]float32, 768)}}); err != nil {
		t.Fatalf("seed durable store: %v", err)
	}

	// RebuildIndex starts an async bulk-indexing pass; without a model file
	// present the pass will fail to embed, but the call itself must return
	// immediately and the durable store must already be cleared.
	if err := o.RebuildIndex(context.Background()); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}

	if n, err := o.durable.Count(); err != nil || n != 0 {
		t.Fatalf("expected durable store cleared, got %d rows (err %v)", n, err)
	}
	if o.index.Len() != 0 {
		t.Fatalf("expected in-memory index cleared, got %d rows", o.index.Len())
	}
}

func TestCancelDownloadClearsProgressWithNoActiveDownload(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.CancelDownload()

	st := o.Status(context.Background())
	if st.DownloadProgress != nil {
		t.Fatalf("expected nil download progress after cancel, got %v", *st.DownloadProgress)
	}
}

func TestManualDownloadInfoNamesTheConfiguredModelDir(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	info := o.ManualDownloadInfo()
	if info.Filename == "" || info.URL == "" || info.TargetPath == "" {
		t.Fatalf("expected a fully populated ManualInfo, got %+v", info)
	}
}
