// Package indexer implements the Indexing Worker (C4): a single-instance
// background pipeline that discovers unindexed history items, encodes them,
// and batch-persists them without blocking foreground search.
//
// The producer/persister split is mandatory (spec.md §4.4): a producer
// goroutine encodes and immediately updates the in-memory index for search
// latency, then hands the record to a persister goroutine over a bounded
// channel so write stalls backpressure encoding rather than the reverse.
// This is a Go-channel generalization of the original implementation's
// mpsc::channel-based split in embedding.rs::index_all_items.
package indexer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/clipvec/clipvec/internal/history"
	"github.com/clipvec/clipvec/internal/store"
	"github.com/clipvec/clipvec/internal/vectorindex"
)

// Embedder is the C2 surface the worker needs: encode text to a normalized
// vector. Satisfied by *model.Host; expressed as an interface here so the
// worker can be tested without a real ONNX model file, following the
// teacher's embed.Provider abstraction-for-testability idiom.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// State is the worker's state machine position, per spec.md §4.4.
type State int

const (
	Idle State = iota
	Scanning
	Encoding
	Persisting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Encoding:
		return "encoding"
	case Persisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// Progress is reported after each successful persist.
type Progress struct {
	IndexedCount    int
	TotalTextCount  int
}

// ProgressFunc receives progress updates. May be nil.
type ProgressFunc func(Progress)

const defaultBatchSize = 100

// Worker runs the C4 pipeline. It is single-instance: Run refuses to start a
// second concurrent pass.
type Worker struct {
	history   history.Provider
	embedder  Embedder
	index     *vectorindex.Index
	durable   *store.Store
	batchSize int

	state   atomic.Int32
	running atomic.Bool
	cancel  atomic.Bool

	// indexMu is the orchestrator's own index lock (spec.md §4.6: "the
	// index... single reader-writer lock"). The worker takes its write side
	// around every InsertOrUpdate/Delete so a foreground Search's read lock
	// and this producer goroutine never touch the index's slices/map
	// unsynchronized.
	indexMu *sync.RWMutex
	onProg  ProgressFunc
}

// New constructs a Worker wired to the shared C1/C2/C3 handles owned by the
// orchestrator. indexMu must be the same lock the orchestrator guards index
// reads with.
func New(hist history.Provider, embedder Embedder, index *vectorindex.Index, durable *store.Store, indexMu *sync.RWMutex) *Worker {
	return &Worker{
		history:   hist,
		embedder:  embedder,
		index:     index,
		durable:   durable,
		batchSize: defaultBatchSize,
		indexMu:   indexMu,
	}
}

// SetProgressCallback installs a callback invoked after each successful
// persist, matching the teacher's ProgressCallback idiom.
func (w *Worker) SetProgressCallback(fn ProgressFunc) {
	w.onProg = fn
}

// State returns the worker's current state machine position.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Cancel requests cooperative cancellation. Checked between every encode;
// partially persisted batches are kept (idempotent re-encode next run).
func (w *Worker) Cancel() {
	w.cancel.Store(true)
}

// Run scans for unindexed text items and processes them to completion or
// cancellation. It refuses to start a second concurrent pass (single-
// instance, at-most-one worker per spec.md §4.4).
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("indexer: a run is already in progress")
	}
	defer w.running.Store(false)
	defer w.state.Store(int32(Idle))

	w.cancel.Store(false)
	w.state.Store(int32(Scanning))

	candidates, err := w.scan(ctx)
	if err != nil {
		return fmt.Errorf("indexer: scan: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	total, err := w.history.ListTextItemIDs(ctx)
	if err != nil {
		return fmt.Errorf("indexer: list_text_item_ids: %w", err)
	}

	return w.runPipeline(ctx, candidates, len(total))
}

// scan queries the history provider for text item ids not yet present in
// the durable store, oldest-first (spec.md §4.4: "so that, under
// cancellation, the newest items remain to be re-tried").
func (w *Worker) scan(ctx context.Context) ([]int64, error) {
	all, err := w.history.ListTextItemIDs(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []int64
	for _, id := range all {
		v, err := w.durable.Get(id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			candidates = append(candidates, id)
		}
	}
	return candidates, nil
}

type encodedRecord struct {
	id     int64
	vector []float32
}

// runPipeline drives the producer/persister split for a batch of candidate
// ids that are already known to need encoding.
func (w *Worker) runPipeline(ctx context.Context, candidates []int64, totalTextCount int) error {
	ch := make(chan encodedRecord, w.batchSize)
	var persistErr error
	var indexed atomic.Int64

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		persistErr = w.persist(ch, &indexed, totalTextCount)
	}()

	w.state.Store(int32(Encoding))

produceLoop:
	for _, id := range candidates {
		if w.cancel.Load() {
			break produceLoop
		}

		items, err := w.history.GetItems(ctx, []int64{id})
		if err != nil || len(items) == 0 {
			// Item vanished between scan and encode; nothing to encode.
			continue
		}

		vec, err := w.embedder.Embed(items[0].Content)
		if err != nil {
			// A single encode failure skips this id for this run. Nothing is
			// persisted for it, so the next run's scan picks it up again; no
			// skip-set is kept across runs.
			continue
		}

		w.indexMu.Lock()
		w.index.InsertOrUpdate(id, vec)
		w.indexMu.Unlock()

		select {
		case ch <- encodedRecord{id: id, vector: vec}:
		case <-ctx.Done():
			break produceLoop
		}
	}

	close(ch)
	wg.Wait()

	return persistErr
}

// persist drains ch in batches of up to batchSize records and writes each
// batch transactionally to the durable store. Three consecutive persist
// failures abort the run with a user-visible error (spec.md §4.4).
func (w *Worker) persist(ch <-chan encodedRecord, indexed *atomic.Int64, totalTextCount int) error {
	w.state.Store(int32(Persisting))

	batch := make([]store.Record, 0, w.batchSize)
	consecutiveFailures := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.durable.PutBatch(batch); err != nil {
			consecutiveFailures++
			if consecutiveFailures >= 3 {
				return fmt.Errorf("indexer: %d consecutive persist failures: %w", consecutiveFailures, err)
			}
			// Re-queue: keep the batch for the next flush attempt.
			return nil
		}
		consecutiveFailures = 0
		indexed.Add(int64(len(batch)))
		if w.onProg != nil {
			w.onProg(Progress{IndexedCount: int(indexed.Load()), TotalTextCount: totalTextCount})
		}
		batch = batch[:0]
		return nil
	}

	for rec := range ch {
		batch = append(batch, store.Record{ItemID: rec.id, Vector: rec.vector})
		if len(batch) >= w.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	// The channel is closed: retry the remaining batch until it persists or
	// the consecutive-failure limit aborts the run.
	for len(batch) > 0 {
		if err := flush(); err != nil {
			return err
		}
	}
	return nil
}
