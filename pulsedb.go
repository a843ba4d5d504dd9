// Package pulsedb is an embedded, single-file database for agentic AI
// systems. It persists experiences (text + embedding + metadata), groups
// them into isolated collectives, and answers blended retrieval queries
// mixing vector similarity, recency, typed relationships, derived insights
// and live agent activity.
//
// # Quick Start
//
//	db, err := pulsedb.Open("./pulse.db")
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	collective, err := db.CreateCollective(ctx, "my-project")
//	id, err := db.RecordExperience(ctx, model.NewExperience{
//	    CollectiveID: collective,
//	    Content:      "Always validate user input",
//	    Type:         model.Generic{},
//	    Embedding:    vec,
//	    Importance:   0.8,
//	    Confidence:   0.9,
//	    SourceAgent:  "agent-1",
//	})
//	results, err := db.SearchSimilar(ctx, collective, queryVec, 10, nil)
//
// # Concurrency
//
// A DB handle is safe for concurrent use. Writes are serialized: one writer
// at a time per database, across processes via an advisory lock file. Reads
// take independent MVCC snapshots and never block the writer. Lock order is
// strict: file lock, then KV writer, then vector index writer, then the
// watch registry.
//
// # Durability
//
// The key-value store is the source of truth; the per-collective HNSW files
// are derived artifacts persisted on a cadence and rebuilt (or incrementally
// replayed from the changelog) whenever they lag the store.
package pulsedb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/draco28/PulseDB/hnsw"
	"github.com/draco28/PulseDB/kv"
	"github.com/draco28/PulseDB/model"
	"github.com/draco28/PulseDB/watch"
)

// DB is a PulseDB database handle. Open one with Open and release it with
// Close. Multiple handles to different databases can coexist in a process;
// writer serialization is per-database.
type DB struct {
	path string
	opts Options

	store    *kv.Store
	fileLock *flock.Flock
	registry *watch.Registry
	logger   *Logger
	metrics  MetricsCollector

	// writeMu serializes the process-local write path and guards the fields
	// below it.
	writeMu          sync.Mutex
	lastCSN          uint64
	commitsSinceSave int
	dirty            map[model.CollectiveID]struct{}

	// mu guards the per-collective index map.
	mu      sync.RWMutex
	indexes map[model.CollectiveID]*collectiveIndex

	closed   atomic.Bool
	readOnly atomic.Bool
}

// collectiveIndex bundles the two vector indexes of one collective.
type collectiveIndex struct {
	dimension   int
	experiences *hnsw.Index
	insights    *hnsw.Index
}

// Open opens or creates a PulseDB database at path (the database file; the
// lock file and index directory derive from it). The configuration is
// validated, the writer lock acquired, the schema checked and migrated, and
// every collective's vector indexes loaded or rebuilt.
func Open(path string, optFns ...Option) (*DB, error) {
	opts := applyOptions(optFns)
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	fileLock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(context.Background(), opts.Limits.LockTimeout)
	defer cancel()
	locked, err := fileLock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path+".lock")
		}
		return nil, fmt.Errorf("acquire database lock: %w", err)
	}

	store, err := kv.Open(path, int(opts.EmbeddingDimension), func(o *kv.Options) {
		o.SyncMode = opts.SyncMode
		o.CacheSizeBytes = opts.CacheSizeBytes
		o.ReadTxnLimit = int64(opts.Limits.MaxConcurrentReadTxns)
	})
	if err != nil {
		_ = fileLock.Unlock()
		return nil, translateError(err)
	}

	db := &DB{
		path:     path,
		opts:     opts,
		store:    store,
		fileLock: fileLock,
		registry: watch.NewRegistry(opts.Limits.WatchBufferSize, opts.Metrics.RecordWatchDrop),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		dirty:    make(map[model.CollectiveID]struct{}),
		indexes:  make(map[model.CollectiveID]*collectiveIndex),
	}

	if err := db.loadIndexes(); err != nil {
		_ = store.Close()
		_ = fileLock.Unlock()
		return nil, translateError(err)
	}

	db.logger.LogOpen(path, len(db.indexes), int(opts.EmbeddingDimension))
	return db, nil
}

// Close persists vector indexes, detaches watch subscribers, closes the
// store and releases the writer lock. The handle is unusable afterwards.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	db.writeMu.Lock()
	db.persistAllIndexes()
	db.writeMu.Unlock()

	db.registry.CloseAll()

	err := db.store.Close()
	if unlockErr := db.fileLock.Unlock(); err == nil {
		err = unlockErr
	}
	db.logger.LogClose(db.path, err)
	return err
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Metadata returns the database-wide metadata record.
func (db *DB) Metadata() kv.DatabaseMetadata { return db.store.Metadata() }

// EmbeddingDimension returns the configured default dimension for new
// collectives.
func (db *DB) EmbeddingDimension() int { return int(db.opts.EmbeddingDimension) }

// hnswDir returns the directory holding per-collective index files.
func (db *DB) hnswDir() string { return db.path + ".hnsw" }

func (db *DB) experienceIndexPath(id model.CollectiveID) string {
	return filepath.Join(db.hnswDir(), id.String()+".hnsw")
}

func (db *DB) insightIndexPath(id model.CollectiveID) string {
	return filepath.Join(db.hnswDir(), id.String()+"_insights.hnsw")
}

// loadIndexes loads or rebuilds the vector indexes of every collective and
// verifies dimension compatibility with the configuration.
func (db *DB) loadIndexes() error {
	return db.store.View(context.Background(), func(tx *kv.ReadTx) error {
		db.lastCSN = tx.CSN()
		return tx.ForEachCollective(func(c *model.Collective) error {
			if !db.opts.InferPerCollective && c.EmbeddingDimension != int(db.opts.EmbeddingDimension) {
				return &DimensionMismatchError{
					Expected: c.EmbeddingDimension,
					Actual:   int(db.opts.EmbeddingDimension),
				}
			}
			ci, err := db.loadCollectiveIndex(tx, c)
			if err != nil {
				return err
			}
			db.indexes[c.ID] = ci
			return nil
		})
	})
}

// loadCollectiveIndex loads both indexes for one collective, preferring the
// persisted sidecars and falling back to rebuild-from-source.
func (db *DB) loadCollectiveIndex(tx *kv.ReadTx, c *model.Collective) (*collectiveIndex, error) {
	csn := tx.CSN()

	exp, err := db.loadOrRebuildExperienceIndex(tx, c, csn)
	if err != nil {
		return nil, err
	}
	ins, err := db.loadOrRebuildInsightIndex(tx, c, csn)
	if err != nil {
		return nil, err
	}
	return &collectiveIndex{dimension: c.EmbeddingDimension, experiences: exp, insights: ins}, nil
}

func (db *DB) loadOrRebuildExperienceIndex(tx *kv.ReadTx, c *model.Collective, csn uint64) (*hnsw.Index, error) {
	path := db.experienceIndexPath(c.ID)
	idx, err := hnsw.Load(path, c.EmbeddingDimension)
	if err == nil {
		switch built := idx.BuiltAtCSN(); {
		case built == csn:
			return idx, nil
		case built < csn:
			if db.replayExperienceChanges(tx, c.ID, idx, built) == nil {
				idx.SetBuiltAtCSN(csn)
				return idx, nil
			}
		}
		// Stale beyond the changelog, or from the future: rebuild.
	} else if !errors.Is(err, hnsw.ErrRebuildRequired) && !errors.Is(err, hnsw.ErrIndexCorrupt) {
		return nil, err
	}
	return db.rebuildExperienceIndex(tx, c, csn)
}

// replayExperienceChanges applies changelog events in (built, head] to the
// loaded index. Fails when the changelog no longer reaches back far enough.
func (db *DB) replayExperienceChanges(tx *kv.ReadTx, collective model.CollectiveID, idx *hnsw.Index, built uint64) error {
	if oldest, ok := tx.OldestChangelogCSN(); !ok || oldest > built+1 {
		// An empty ring is fine only if nothing happened since built.
		if built < tx.CSN() {
			return hnsw.ErrRebuildRequired
		}
		return nil
	}
	return tx.ChangelogSince(built, func(ev *model.WatchEvent) error {
		if ev.CollectiveID != collective {
			return nil
		}
		key := hnsw.Key(ev.ExperienceID.Bytes())
		// Converge on current row state rather than interpreting event
		// types: the row (or its absence) is authoritative.
		e, err := tx.ExperienceRow(ev.ExperienceID)
		if err != nil {
			return err
		}
		if e == nil || e.Archived {
			idx.Delete(key)
			return nil
		}
		vec, err := tx.Embedding(ev.ExperienceID)
		if err != nil {
			return err
		}
		if vec == nil {
			return nil
		}
		return idx.Insert(key, vec)
	})
}

func (db *DB) rebuildExperienceIndex(tx *kv.ReadTx, c *model.Collective, csn uint64) (*hnsw.Index, error) {
	start := time.Now()
	params := hnsw.ParamsForScale(tx.ExperienceCount(c.ID))
	idx, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = c.EmbeddingDimension
		o.M = params.M
		o.EFConstruction = params.EFConstruction
		o.EFSearch = params.EFSearch
	})
	if err != nil {
		return nil, err
	}
	count := 0
	err = tx.ForEachEmbeddingInCollective(c.ID, func(id model.ExperienceID, vec []float32, archived bool) error {
		if archived {
			return nil
		}
		count++
		return idx.Insert(hnsw.Key(id.Bytes()), vec)
	})
	if err != nil {
		return nil, err
	}
	idx.SetBuiltAtCSN(csn)
	elapsed := time.Since(start)
	db.logger.LogRebuild(c.ID, count, elapsed)
	db.metrics.RecordRebuild(count, elapsed)
	return idx, nil
}

func (db *DB) loadOrRebuildInsightIndex(tx *kv.ReadTx, c *model.Collective, csn uint64) (*hnsw.Index, error) {
	path := db.insightIndexPath(c.ID)
	idx, err := hnsw.Load(path, c.EmbeddingDimension)
	if err == nil && idx.BuiltAtCSN() == csn {
		return idx, nil
	}
	if err != nil && !errors.Is(err, hnsw.ErrRebuildRequired) && !errors.Is(err, hnsw.ErrIndexCorrupt) {
		return nil, err
	}

	// Insight changes are not in the changelog; a stale insight index is
	// rebuilt outright.
	params := hnsw.ParamsForScale(0)
	idx, err = hnsw.New(func(o *hnsw.Options) {
		o.Dimension = c.EmbeddingDimension
		o.M = params.M
		o.EFConstruction = params.EFConstruction
		o.EFSearch = params.EFSearch
	})
	if err != nil {
		return nil, err
	}
	err = tx.ForEachInsightInCollective(c.ID, func(id model.InsightID) error {
		in, err := tx.Insight(id)
		if err != nil {
			return err
		}
		if in == nil || in.Embedding == nil {
			return nil
		}
		return idx.Insert(hnsw.Key(id.Bytes()), in.Embedding)
	})
	if err != nil {
		return nil, err
	}
	idx.SetBuiltAtCSN(csn)
	return idx, nil
}

// collectiveIndexFor returns the in-memory indexes for a collective.
func (db *DB) collectiveIndexFor(id model.CollectiveID) (*collectiveIndex, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ci, ok := db.indexes[id]
	return ci, ok
}

// readCtx applies the configured query timeout when the caller's context
// has no deadline.
func (db *DB) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.opts.Limits.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.opts.Limits.QueryTimeout)
}

// view runs a read snapshot with the standard checks and translation.
func (db *DB) view(ctx context.Context, fn func(tx *kv.ReadTx) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := db.readCtx(ctx)
	defer cancel()
	return translateError(db.store.View(ctx, fn))
}

// write serializes a write operation: the KV transaction commits first, then
// after runs (index mutations, watch publishes) while the writer lock is
// still held, so published events keep CSN order. A commit failure never
// leaves derived state mutated.
func (db *DB) write(fn func(tx *kv.WriteTx) error, after func()) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.readOnly.Load() {
		return ErrReadOnly
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.checkSizeLimit(); err != nil {
		return err
	}

	if err := db.store.Update(fn); err != nil {
		if errors.Is(err, kv.ErrCorrupt) {
			db.enterSafeMode(err)
		}
		return translateError(err)
	}

	if after != nil {
		after()
	}

	db.commitsSinceSave++
	if db.commitsSinceSave >= db.opts.IndexSaveInterval {
		db.persistDirtyIndexes()
	}
	return nil
}

func (db *DB) checkSizeLimit() error {
	limit := db.opts.Limits.MaxTotalBytes
	if limit <= 0 {
		return nil
	}
	size, err := db.store.SizeBytes()
	if err != nil {
		return err
	}
	if size >= limit {
		return fmt.Errorf("%w: database size %d exceeds limit %d", ErrResourceLimit, size, limit)
	}
	return nil
}

// enterSafeMode flips the handle to read-only after detected corruption.
func (db *DB) enterSafeMode(err error) {
	if db.readOnly.CompareAndSwap(false, true) {
		db.logger.LogSafeMode(err)
	}
}

// markDirty records that a collective's indexes diverged from their
// persisted form. Caller holds writeMu.
func (db *DB) markDirty(id model.CollectiveID) {
	db.dirty[id] = struct{}{}
}

// persistDirtyIndexes saves the indexes of collectives touched since the
// last persist. Failures are logged and retried on the next cadence; the
// store stays the source of truth. Caller holds writeMu.
func (db *DB) persistDirtyIndexes() {
	db.commitsSinceSave = 0
	for id := range db.dirty {
		ci, ok := db.collectiveIndexFor(id)
		if !ok {
			delete(db.dirty, id)
			continue
		}
		ci.experiences.SetBuiltAtCSN(db.lastCSN)
		ci.insights.SetBuiltAtCSN(db.lastCSN)
		errExp := ci.experiences.Save(db.experienceIndexPath(id))
		errIns := ci.insights.Save(db.insightIndexPath(id))
		db.logger.LogIndexSave(id, errors.Join(errExp, errIns))
		if errExp == nil && errIns == nil {
			delete(db.dirty, id)
		}
	}
}

// persistAllIndexes saves every collective's indexes. Caller holds writeMu.
func (db *DB) persistAllIndexes() {
	db.mu.RLock()
	ids := make([]model.CollectiveID, 0, len(db.indexes))
	for id := range db.indexes {
		ids = append(ids, id)
	}
	db.mu.RUnlock()
	for _, id := range ids {
		db.dirty[id] = struct{}{}
	}
	db.persistDirtyIndexes()
}

// CreateCollective creates a collective named name, freezing the configured
// default embedding dimension into it.
func (db *DB) CreateCollective(ctx context.Context, name string) (model.CollectiveID, error) {
	return db.createCollective(ctx, name, "")
}

// CreateCollectiveWithOwner creates a collective with an owner id for
// multi-tenant filtering.
func (db *DB) CreateCollectiveWithOwner(ctx context.Context, name, ownerID string) (model.CollectiveID, error) {
	if ownerID == "" {
		return model.CollectiveID{}, invalidField("owner_id", "must not be empty")
	}
	return db.createCollective(ctx, name, ownerID)
}

func (db *DB) createCollective(ctx context.Context, name, ownerID string) (model.CollectiveID, error) {
	if err := validCollectiveName(name); err != nil {
		return model.CollectiveID{}, err
	}

	now := model.Now()
	c := &model.Collective{
		ID:                 model.NewCollectiveID(),
		Name:               name,
		OwnerID:            ownerID,
		EmbeddingDimension: int(db.opts.EmbeddingDimension),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	params := hnsw.ParamsForScale(0)
	newIndex := func() (*hnsw.Index, error) {
		return hnsw.New(func(o *hnsw.Options) {
			o.Dimension = c.EmbeddingDimension
			o.M = params.M
			o.EFConstruction = params.EFConstruction
			o.EFSearch = params.EFSearch
		})
	}
	exp, err := newIndex()
	if err != nil {
		return model.CollectiveID{}, translateError(err)
	}
	ins, err := newIndex()
	if err != nil {
		return model.CollectiveID{}, translateError(err)
	}

	err = db.write(func(tx *kv.WriteTx) error {
		if err := tx.PutCollective(c); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, func() {
		db.mu.Lock()
		db.indexes[c.ID] = &collectiveIndex{
			dimension:   c.EmbeddingDimension,
			experiences: exp,
			insights:    ins,
		}
		db.mu.Unlock()
	})
	if err != nil {
		return model.CollectiveID{}, err
	}
	db.logger.Info("collective created", "id", c.ID.String(), "name", name)
	return c.ID, nil
}

// GetCollective returns a collective by id, or nil if absent.
func (db *DB) GetCollective(ctx context.Context, id model.CollectiveID) (*model.Collective, error) {
	var out *model.Collective
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		c, err := tx.Collective(id)
		out = c
		return err
	})
	return out, err
}

// ListCollectives returns every collective.
func (db *DB) ListCollectives(ctx context.Context) ([]*model.Collective, error) {
	var out []*model.Collective
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		return tx.ForEachCollective(func(c *model.Collective) error {
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// ListCollectivesByOwner returns collectives whose owner matches ownerID.
func (db *DB) ListCollectivesByOwner(ctx context.Context, ownerID string) ([]*model.Collective, error) {
	var out []*model.Collective
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		return tx.ForEachCollective(func(c *model.Collective) error {
			if c.OwnerID == ownerID {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

// GetCollectiveStats returns statistics for a collective.
// Returns ErrNotFound if the collective does not exist.
func (db *DB) GetCollectiveStats(ctx context.Context, id model.CollectiveID) (model.CollectiveStats, error) {
	var stats model.CollectiveStats
	err := db.view(ctx, func(tx *kv.ReadTx) error {
		c, err := tx.Collective(id)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: collective %s", ErrNotFound, id)
		}
		stats, err = tx.CollectiveStats(id)
		return err
	})
	return stats, err
}

// DeleteCollective removes a collective and everything it owns: all
// experiences, embeddings, relations, insights, activities and the vector
// index files. Returns ErrNotFound if the collective does not exist.
func (db *DB) DeleteCollective(ctx context.Context, id model.CollectiveID) error {
	err := db.write(func(tx *kv.WriteTx) error {
		c, err := tx.Collective(id)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: collective %s", ErrNotFound, id)
		}
		if _, err := tx.DeleteCollectiveCascade(id); err != nil {
			return err
		}
		csn, err := tx.BumpCSN()
		if err != nil {
			return err
		}
		db.lastCSN = csn
		return nil
	}, func() {
		db.mu.Lock()
		delete(db.indexes, id)
		db.mu.Unlock()
		delete(db.dirty, id)
		if err := hnsw.RemoveFiles(db.experienceIndexPath(id)); err != nil {
			db.logger.Warn("failed to remove index files", "collective", id.String(), "error", err)
		}
		if err := hnsw.RemoveFiles(db.insightIndexPath(id)); err != nil {
			db.logger.Warn("failed to remove insight index files", "collective", id.String(), "error", err)
		}
	})
	if err != nil {
		return err
	}
	db.logger.Info("collective deleted", "id", id.String())
	return nil
}
