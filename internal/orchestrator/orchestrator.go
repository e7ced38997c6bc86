// Package orchestrator implements the Orchestrator (C6): shared state,
// lifecycle, status snapshots, and the command surface consumed by the UI
// layer, per spec.md §4.6 and §6.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/clipvec/clipvec/internal/acquire"
	"github.com/clipvec/clipvec/internal/history"
	"github.com/clipvec/clipvec/internal/indexer"
	"github.com/clipvec/clipvec/internal/model"
	"github.com/clipvec/clipvec/internal/store"
	"github.com/clipvec/clipvec/internal/vectorindex"
)

// Errors surfaced to the command surface, per spec.md §7.
var (
	ErrDisabled         = errors.New("orchestrator: semantic search is disabled")
	ErrEmptyQuery       = errors.New("orchestrator: query is empty")
	ErrModelUnavailable = errors.New("orchestrator: model is not available")
)

// StatusSnapshot is the read-mostly status published to the UI layer,
// matching spec.md §3 and the original's SemanticStatus exactly.
type StatusSnapshot struct {
	ModelDownloaded    bool
	ModelLoaded        bool
	DownloadProgress   *float64
	IndexedCount       int
	TotalTextCount     int
	IndexingInProgress bool
	Enabled            bool
}

// SearchHit pairs a fetched history item with its cosine score.
type SearchHit struct {
	Item  history.Item
	Score float32
}

// Config configures the Orchestrator's constants and paths.
type Config struct {
	ModelDir  string // directory holding the model file + tokenizer
	Enabled   bool
	Threshold float32
	Capacity  int
}

// Orchestrator glues C1-C5 behind the command surface of spec.md §6. State
// mutations run under a write lock; search takes a read lock on the index
// and upgrades to a write lock only to self-heal a stale id (spec.md §4.6).
type Orchestrator struct {
	cfg Config

	hist    history.Provider
	host    *model.Host
	index   *vectorindex.Index
	durable *store.Store
	dl      *acquire.Downloader
	worker  *indexer.Worker

	mu sync.RWMutex

	statusMu           sync.Mutex
	downloadProgress   *float64
	indexingInProgress bool
	enabled            bool

	stopWatch func()
}

// New wires the five core components together and rehydrates C3 from C1.
func New(cfg Config, hist history.Provider, durable *store.Store) (*Orchestrator, error) {
	modelPath := filepath.Join(cfg.ModelDir, acquire.ModelFilename)
	tokenizerPath := filepath.Join(cfg.ModelDir, acquire.TokenizerFilename)

	hostCfg := model.DefaultConfig(modelPath, tokenizerPath)
	host := model.New(hostCfg)

	index := vectorindex.New(hostCfg.Dim, cfg.Capacity, cfg.Threshold)

	o := &Orchestrator{
		cfg:     cfg,
		hist:    hist,
		host:    host,
		index:   index,
		durable: durable,
		dl:      acquire.New(),
		enabled: cfg.Enabled,
	}
	o.worker = indexer.New(hist, host, index, durable, &o.mu)

	if err := o.rehydrate(); err != nil {
		return nil, fmt.Errorf("orchestrator: rehydrate: %w", err)
	}

	stop, err := acquire.WatchModelDir(cfg.ModelDir, func() {
		log.Printf("orchestrator: model file detected in %s", cfg.ModelDir)
	})
	if err == nil {
		o.stopWatch = stop
	}

	return o, nil
}

// Close releases the model-directory watch and the model host.
func (o *Orchestrator) Close() error {
	if o.stopWatch != nil {
		o.stopWatch()
	}
	return o.host.Close()
}

// rehydrate loads every valid record from C1 into C3, clipped at capacity
// and preferring the most recently created item_ids, per spec.md §4.3's
// persistence contract.
func (o *Orchestrator) rehydrate() error {
	var all []vectorindex.LoadEntry
	if err := o.durable.IterAll(func(r store.Record) error {
		all = append(all, vectorindex.LoadEntry{ID: r.ItemID, Vec: r.Vector})
		return nil
	}); err != nil {
		return err
	}

	// ids ascend roughly with insertion/creation order (autoincrement), so
	// sorting ascending before a capacity-bounded BulkLoad keeps the most
	// recent ids resident (earliest entries are evicted first).
	sortByIDAscending(all)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.index.BulkLoad(all)
	return nil
}

func sortByIDAscending(entries []vectorindex.LoadEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].ID > entries[j].ID; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Status returns the current snapshot. If model_downloaded was previously
// false but the file now exists, it re-checks the filesystem before
// answering, so a manually dropped-in model is visible without a restart
// (ported from original_source's get_semantic_status).
func (o *Orchestrator) Status(ctx context.Context) StatusSnapshot {
	o.statusMu.Lock()
	progress := o.downloadProgress
	indexing := o.indexingInProgress
	enabled := o.enabled
	o.statusMu.Unlock()

	modelPath := filepath.Join(o.cfg.ModelDir, acquire.ModelFilename)
	downloaded := acquire.CheckModelFile(modelPath) == nil

	total := 0
	if ids, err := o.hist.ListTextItemIDs(ctx); err == nil {
		total = len(ids)
	}
	indexedCount, _ := o.durable.Count()

	return StatusSnapshot{
		ModelDownloaded:    downloaded,
		ModelLoaded:        o.host.Loaded(),
		DownloadProgress:   progress,
		IndexedCount:       int(indexedCount),
		TotalTextCount:     total,
		IndexingInProgress: indexing,
		Enabled:            enabled,
	}
}

// Search runs the full query pipeline: encode, scan C3 under a read lock,
// fetch items from the history provider, and self-heal any id the history
// provider no longer recognizes by evicting it from C3 (ported from
// original_source's semantic_search command).
func (o *Orchestrator) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	o.statusMu.Lock()
	enabled := o.enabled
	o.statusMu.Unlock()
	if !enabled {
		return nil, ErrDisabled
	}
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if !o.host.Loaded() {
		if _, err := o.host.Embed("warmup"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
	}

	qvec, err := o.host.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: embed query: %w", err)
	}

	o.mu.RLock()
	results := o.index.Search(qvec, limit)
	o.mu.RUnlock()

	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(results))
	scoreByID := make(map[int64]float32, len(results))
	for i, r := range results {
		ids[i] = r.ID
		scoreByID[r.ID] = r.Score
	}

	items, err := o.hist.GetItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: get_items: %w", err)
	}

	found := make(map[int64]bool, len(items))
	hits := make([]SearchHit, 0, len(items))
	for _, it := range items {
		found[it.ID] = true
		hits = append(hits, SearchHit{Item: it, Score: scoreByID[it.ID]})
	}

	// Self-heal: any id search returned but the history provider no longer
	// has is stale — evict it rather than surfacing an error to the caller.
	var stale []int64
	for _, id := range ids {
		if !found[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		o.mu.Lock()
		for _, id := range stale {
			o.index.Delete(id)
		}
		o.mu.Unlock()
	}

	return hits, nil
}

// StartDownload begins an asynchronous model download. Progress updates are
// published to Status(); the call returns immediately. It returns
// acquire.ErrAlreadyDownloading while a download is in flight.
func (o *Orchestrator) StartDownload(ctx context.Context) error {
	modelPath := filepath.Join(o.cfg.ModelDir, acquire.ModelFilename)

	if o.dl.Active() {
		return acquire.ErrAlreadyDownloading
	}

	o.statusMu.Lock()
	o.downloadProgress = floatPtr(0)
	o.statusMu.Unlock()

	go func() {
		err := o.dl.Start(ctx, modelPath, func(frac float64) {
			o.statusMu.Lock()
			o.downloadProgress = floatPtr(frac)
			o.statusMu.Unlock()
		})
		if errors.Is(err, acquire.ErrAlreadyDownloading) {
			// Another download won the race; its progress stays published.
			return
		}

		o.statusMu.Lock()
		o.downloadProgress = nil
		o.statusMu.Unlock()

		if err != nil && !errors.Is(err, acquire.ErrCancelled) {
			log.Printf("orchestrator: download failed: %v", err)
		}
	}()

	return nil
}

// CancelDownload requests cooperative cancellation of an in-flight
// download. The partial file is left in place; the next download starts
// from byte zero and overwrites it.
func (o *Orchestrator) CancelDownload() {
	o.dl.Cancel()
	o.statusMu.Lock()
	o.downloadProgress = nil
	o.statusMu.Unlock()
}

// ManualDownloadInfo returns the {url, target_path, filename} surface for a
// UI-driven manual download.
func (o *Orchestrator) ManualDownloadInfo() acquire.ManualInfo {
	return acquire.ManualDownloadInfo(filepath.Join(o.cfg.ModelDir, acquire.ModelFilename))
}

// StartBulkIndexing kicks off an asynchronous C4 run over all unindexed
// items.
func (o *Orchestrator) StartBulkIndexing(ctx context.Context) error {
	o.statusMu.Lock()
	o.indexingInProgress = true
	o.statusMu.Unlock()

	go func() {
		defer func() {
			o.statusMu.Lock()
			o.indexingInProgress = false
			o.statusMu.Unlock()
		}()
		if err := o.worker.Run(ctx); err != nil {
			log.Printf("orchestrator: bulk indexing failed: %v", err)
		}
	}()

	return nil
}

// RebuildIndex clears C1 and C3, then re-triggers a full bulk-indexing run
// over every text item, per spec.md §4.6.
func (o *Orchestrator) RebuildIndex(ctx context.Context) error {
	if err := o.durable.DeleteAll(); err != nil {
		return fmt.Errorf("orchestrator: rebuild: clear durable store: %w", err)
	}

	o.mu.Lock()
	o.index.Clear()
	o.mu.Unlock()

	return o.StartBulkIndexing(ctx)
}

// OnNewItem notifies the orchestrator that a new text item was stored,
// triggering an incremental indexing pass if one isn't already running.
func (o *Orchestrator) OnNewItem(ctx context.Context, id int64) {
	if o.worker.State() != indexer.Idle {
		return
	}
	_ = o.StartBulkIndexing(ctx)
}

func floatPtr(f float64) *float64 { return &f }
