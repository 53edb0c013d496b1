package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"

	"github.com/docsync/engine/go/document"
	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/storage"
)

var (
	documentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_documents_created_total",
		Help: "counter of documents created with no prior cold-storage record",
	})
	documentsRestored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_documents_restored_total",
		Help: "counter of documents restored from cold storage",
	})
	documentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_documents_active",
		Help: "gauge of documents currently resident in the engine",
	})
	documentsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_documents_evicted_total",
		Help: "counter of documents evicted by the idle GC",
	})
)

// SchemaFor resolves the root primitive and the initial state for a
// documentId. Initial may be a constant value shared by every document or
// a pure function of documentId (spec.md §4.4.2 step 2).
type SchemaFor func(documentID string) (root schema.Primitive, initial any)

// Config configures an Engine.
type Config struct {
	SchemaFor     SchemaFor
	Cold          storage.ColdStorage
	Hot           storage.HotStorage
	SchemaVersion int

	IDGen func() string
	NowFn func() int64 // unix millis, for Transaction.Timestamp

	MaxIdleTime         time.Duration
	IdleGCInterval      time.Duration
	SnapshotTxThreshold int
	SnapshotInterval    time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = 30 * time.Minute
	}
	if c.IdleGCInterval == 0 {
		c.IdleGCInterval = time.Minute
	}
	if c.SnapshotTxThreshold == 0 {
		c.SnapshotTxThreshold = 100
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.IDGen == nil {
		c.IDGen = func() string { panic("server: Config.IDGen is required") }
	}
	if c.NowFn == nil {
		c.NowFn = func() int64 { return time.Now().UnixMilli() }
	}
}

type docEntry struct {
	instance         *ServerDocument
	lastActivity     time.Time
	lastSnapshotTime time.Time
}

// Engine owns the documentId → instance map, the background idle-GC
// fiber, and the snapshot trigger that Submit checks after each accepted
// transaction (spec.md §4.4.2). A standalone Engine is a single process;
// Config.Cold/Hot may be swapped for cluster-aware
// implementations without changing this type's public surface (the
// clustered variant is a thin RPC-facing wrapper, not a rewrite — see
// SPEC_FULL.md §4.8's cluster fabric section).
type Engine struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*docEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config) *Engine {
	cfg.setDefaults()
	var e = &Engine{cfg: cfg, entries: map[string]*docEntry{}, stopCh: make(chan struct{})}
	e.wg.Add(1)
	go e.idleGCLoop()
	return e
}

// Shutdown stops the background fibers and best-effort snapshots every
// live document (spec.md §4.4.2 "Shutdown").
func (e *Engine) Shutdown(ctx context.Context) {
	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	var ids = make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.saveSnapshot(ctx, id); err != nil {
			log.WithError(err).WithField("document", id).Warn("engine: shutdown snapshot failed")
		}
	}
}

// GetOrCreate returns the live ServerDocument for documentID, creating it
// (from cold storage, WAL replay, or a fresh initial state) on first
// access.
func (e *Engine) GetOrCreate(ctx context.Context, documentID string) (*ServerDocument, error) {
	e.mu.Lock()
	var entry, ok = e.entries[documentID]
	e.mu.Unlock()
	if ok {
		e.touch(documentID)
		return entry.instance, nil
	}

	var root, initial = e.cfg.SchemaFor(documentID)

	var startVersion int64
	var restored bool
	if e.cfg.Cold != nil {
		var stored, found, err = e.cfg.Cold.Load(ctx, documentID)
		if err != nil {
			log.WithError(err).WithField("document", documentID).Error("engine: cold storage load failed; treating as absent")
		} else if found {
			var decoded, derr = root.FromSnapshot(stored.State)
			if derr != nil {
				log.WithError(derr).WithField("document", documentID).Error("engine: snapshot failed schema validation; treating as absent")
			} else {
				initial = decoded
				startVersion = stored.Version
				restored = true
			}
		}
	}

	var instance = New(root, initial, startVersion, e.cfg.IDGen, e.cfg.NowFn)

	if e.cfg.Hot != nil {
		var walEntries, err = e.cfg.Hot.Entries(ctx, documentID, startVersion)
		if err != nil {
			log.WithError(err).WithField("document", documentID).Error("engine: WAL replay read failed")
		}
		for _, we := range walEntries {
			if result := instance.Submit(we.Transaction); !result.Success {
				log.WithField("document", documentID).WithField("reason", result.Reason).
					Warn("engine: skipping corrupt WAL entry during replay")
			}
		}
	}

	e.mu.Lock()
	entry = &docEntry{instance: instance, lastActivity: time.Now(), lastSnapshotTime: time.Now()}
	e.entries[documentID] = entry
	e.mu.Unlock()

	if restored {
		documentsRestored.Inc()
	} else {
		documentsCreated.Inc()
	}
	documentsActive.Inc()

	return instance, nil
}

// Submit routes to GetOrCreate's instance, appends to the WAL on
// success, checks the snapshot trigger, and touches last_activity_time.
func (e *Engine) Submit(ctx context.Context, documentID string, tx document.Transaction) (SubmitResult, error) {
	var instance, err = e.GetOrCreate(ctx, documentID)
	if err != nil {
		return SubmitResult{}, err
	}

	var result = instance.Submit(tx)
	e.touch(documentID)
	if !result.Success {
		return result, nil
	}

	if e.cfg.Hot != nil {
		if err := e.cfg.Hot.Append(ctx, documentID, storage.WalEntry{
			Transaction: tx, Version: result.Version, Timestamp: e.cfg.NowFn(),
		}); err != nil {
			log.WithError(err).WithField("document", documentID).Error("engine: WAL append failed (best-effort)")
		}
	}

	e.maybeSnapshot(ctx, documentID, instance)
	return result, nil
}

func (e *Engine) maybeSnapshot(ctx context.Context, documentID string, instance *ServerDocument) {
	e.mu.Lock()
	var entry, ok = e.entries[documentID]
	e.mu.Unlock()
	if !ok {
		return
	}

	var due = instance.TransactionsSinceSnapshot() >= e.cfg.SnapshotTxThreshold ||
		time.Since(entry.lastSnapshotTime) >= e.cfg.SnapshotInterval
	if !due {
		return
	}
	if err := e.saveSnapshot(ctx, documentID); err != nil {
		log.WithError(err).WithField("document", documentID).Warn("engine: snapshot save failed (best-effort)")
	}
}

func (e *Engine) saveSnapshot(ctx context.Context, documentID string) error {
	e.mu.Lock()
	var entry, ok = e.entries[documentID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no live instance for %q", documentID)
	}

	var state, version, err = entry.instance.GetSnapshot()
	if err != nil {
		return fmt.Errorf("engine: encode snapshot for %q: %w", documentID, err)
	}

	if e.cfg.Cold != nil {
		if err := e.cfg.Cold.Save(ctx, documentID, storage.StoredDocument{
			State: state, Version: version, SchemaVersion: e.cfg.SchemaVersion, SavedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("engine: cold storage save for %q: %w", documentID, err)
		}
	}
	if e.cfg.Hot != nil {
		if err := e.cfg.Hot.Truncate(ctx, documentID, version); err != nil {
			log.WithError(err).WithField("document", documentID).Warn("engine: WAL truncate after snapshot failed")
		}
	}

	entry.instance.ResetSnapshotCounter()
	e.mu.Lock()
	entry.lastSnapshotTime = time.Now()
	e.mu.Unlock()
	return nil
}

// EngineStats is a point-in-time readout of the engine's prometheus
// counters, for wiring into a /healthz-style handler (SPEC_FULL.md §4.9)
// without scraping /metrics.
type EngineStats struct {
	DocumentsActive   int
	DocumentsCreated  int
	DocumentsRestored int
	DocumentsEvicted  int
}

// Stats returns the current EngineStats.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	var active = len(e.entries)
	e.mu.Unlock()

	var metric = &dto.Metric{}
	var created, restored, evicted int

	if err := documentsCreated.Write(metric); err == nil {
		created = int(metric.GetCounter().GetValue())
	}
	metric.Reset()
	if err := documentsRestored.Write(metric); err == nil {
		restored = int(metric.GetCounter().GetValue())
	}
	metric.Reset()
	if err := documentsEvicted.Write(metric); err == nil {
		evicted = int(metric.GetCounter().GetValue())
	}

	return EngineStats{
		DocumentsActive:   active,
		DocumentsCreated:  created,
		DocumentsRestored: restored,
		DocumentsEvicted:  evicted,
	}
}

func (e *Engine) touch(documentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.entries[documentID]; ok {
		entry.lastActivity = time.Now()
	}
}

func (e *Engine) idleGCLoop() {
	defer e.wg.Done()
	var ticker = time.NewTicker(e.cfg.IdleGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepIdle()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweepIdle() {
	e.mu.Lock()
	var idle []string
	var now = time.Now()
	for id, entry := range e.entries {
		if now.Sub(entry.lastActivity) >= e.cfg.MaxIdleTime {
			idle = append(idle, id)
		}
	}
	e.mu.Unlock()

	for _, id := range idle {
		if err := e.saveSnapshot(context.Background(), id); err != nil {
			log.WithError(err).WithField("document", id).Warn("engine: idle-eviction snapshot failed (best-effort)")
		}
		e.mu.Lock()
		var entry, ok = e.entries[id]
		delete(e.entries, id)
		e.mu.Unlock()
		if ok {
			entry.instance.Close()
		}
		documentsActive.Dec()
		documentsEvicted.Inc()
	}
}
