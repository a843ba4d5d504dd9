package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/semaphore"

	"github.com/draco28/PulseDB/codec"
	"github.com/draco28/PulseDB/model"
)

// SyncMode selects the durability/throughput trade-off for commits.
type SyncMode int

const (
	// SyncNormal fsyncs on every commit. After a crash the database reflects
	// exactly the committed transactions.
	SyncNormal SyncMode = iota

	// SyncFast skips fsync. A power loss may drop the most recent committed
	// transactions, but never tears a committed one: the database reflects a
	// prefix of the commit order.
	SyncFast

	// SyncParanoid fsyncs on commit and forces an additional full sync of
	// the data file afterwards.
	SyncParanoid
)

func (m SyncMode) String() string {
	switch m {
	case SyncNormal:
		return "Normal"
	case SyncFast:
		return "Fast"
	case SyncParanoid:
		return "Paranoid"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// Options configures the store.
type Options struct {
	SyncMode SyncMode

	// CacheSizeBytes sizes the initial mmap region. bbolt grows the map on
	// demand; a larger initial size avoids remap stalls on big databases.
	CacheSizeBytes int

	// ReadTxnLimit bounds concurrent read transactions. Zero means the
	// default of 100.
	ReadTxnLimit int64

	// ChangelogCapacity bounds the persisted event ring. Zero means the
	// default of 4096.
	ChangelogCapacity int

	// OpenTimeout bounds how long opening waits for bbolt's internal file
	// lock. Zero means the default of 5s.
	OpenTimeout time.Duration
}

// DefaultOptions contains the default store options.
var DefaultOptions = Options{
	SyncMode:          SyncNormal,
	CacheSizeBytes:    64 << 20,
	ReadTxnLimit:      100,
	ChangelogCapacity: 4096,
	OpenTimeout:       5 * time.Second,
}

// DatabaseMetadata is the database-wide record stored under
// metadata/"db_metadata".
type DatabaseMetadata struct {
	// DefaultDimension is the configured default embedding dimension used
	// when creating new collectives.
	DefaultDimension int

	CreatedAt    model.Timestamp
	LastOpenedAt model.Timestamp
}

func encodeDBMetadata(m *DatabaseMetadata) []byte {
	w := codec.NewWriter(24)
	w.U32(uint32(m.DefaultDimension))
	w.I64(int64(m.CreatedAt))
	w.I64(int64(m.LastOpenedAt))
	return w.Bytes()
}

func decodeDBMetadata(b []byte) (*DatabaseMetadata, error) {
	r := codec.NewReader(b)
	m := &DatabaseMetadata{
		DefaultDimension: int(r.U32()),
		CreatedAt:        model.Timestamp(r.I64()),
		LastOpenedAt:     model.Timestamp(r.I64()),
	}
	return m, r.Err()
}

// Store is the transactional key-value layer. One writer at a time; read
// transactions are MVCC snapshots that never block the writer.
type Store struct {
	db       *bolt.DB
	path     string
	mode     SyncMode
	readSem  *semaphore.Weighted
	ringCap  int
	metadata DatabaseMetadata
}

// Open opens or creates the store at path, ensures all buckets exist,
// validates the schema version and runs pending forward migrations.
//
// defaultDimension seeds the database metadata on first creation; on an
// existing database it is ignored (the stored value wins).
func Open(path string, defaultDimension int, optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ReadTxnLimit <= 0 {
		opts.ReadTxnLimit = DefaultOptions.ReadTxnLimit
	}
	if opts.ChangelogCapacity <= 0 {
		opts.ChangelogCapacity = DefaultOptions.ChangelogCapacity
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOptions.OpenTimeout
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:         opts.OpenTimeout,
		NoSync:          opts.SyncMode == SyncFast,
		InitialMmapSize: opts.CacheSizeBytes,
	})
	if err != nil {
		if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrChecksum) || errors.Is(err, bolt.ErrVersionMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}

	s := &Store{
		db:      db,
		path:    path,
		mode:    opts.SyncMode,
		readSem: semaphore.NewWeighted(opts.ReadTxnLimit),
		ringCap: opts.ChangelogCapacity,
	}

	if err := s.initialize(defaultDimension); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates buckets, seeds or validates schema metadata, runs
// migrations and touches last_opened_at.
func (s *Store) initialize(defaultDimension int) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("kv: create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket(bucketMetadata)

		// Schema version: seed on fresh databases, validate otherwise.
		stored := meta.Get(keySchemaVersion)
		switch {
		case stored == nil:
			w := codec.NewWriter(4)
			w.U32(uint32(SchemaVersion))
			if err := meta.Put(keySchemaVersion, w.Bytes()); err != nil {
				return err
			}
		default:
			r := codec.NewReader(stored)
			v := int(r.U32())
			if r.Err() != nil {
				return corrupt("schema version record: %v", r.Err())
			}
			if v > SchemaVersion {
				return &VersionError{Stored: v, Known: SchemaVersion}
			}
			if v < SchemaVersion {
				if err := migrate(tx, v); err != nil {
					return err
				}
			}
		}

		// Database metadata.
		now := model.Now()
		raw := meta.Get(keyDBMetadata)
		if raw == nil {
			s.metadata = DatabaseMetadata{
				DefaultDimension: defaultDimension,
				CreatedAt:        now,
				LastOpenedAt:     now,
			}
		} else {
			m, err := decodeDBMetadata(raw)
			if err != nil {
				return corrupt("db metadata record: %v", err)
			}
			m.LastOpenedAt = now
			s.metadata = *m
		}
		return meta.Put(keyDBMetadata, encodeDBMetadata(&s.metadata))
	})
	if err != nil {
		return err
	}
	return s.maybeSync()
}

// Metadata returns the database metadata as of open.
func (s *Store) Metadata() DatabaseMetadata { return s.metadata }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// SizeBytes returns the on-disk size of the database file.
func (s *Store) SizeBytes() (int64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Close closes the underlying database, flushing pending writes.
func (s *Store) Close() error {
	return s.db.Close()
}

// View runs fn inside a read snapshot. Admission is bounded by the
// configured read-transaction limit; ctx cancellation while waiting returns
// the context error, and a nil-deadline full semaphore returns ErrReadLimit.
func (s *Store) View(ctx context.Context, fn func(tx *ReadTx) error) error {
	if !s.readSem.TryAcquire(1) {
		if ctx.Done() == nil {
			return ErrReadLimit
		}
		if err := s.readSem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%w: %w", ErrReadLimit, err)
		}
	}
	defer s.readSem.Release(1)

	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&ReadTx{tx: tx, ctx: ctx})
	})
}

// Update runs fn inside the single write transaction and commits it
// atomically. An error from fn rolls the transaction back and is returned
// unchanged, so callers' domain errors survive the boundary; commit-level
// failures from the storage engine surface as ErrTxnAborted.
func (s *Store) Update(fn func(tx *WriteTx) error) error {
	var fnErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		fnErr = fn(&WriteTx{ReadTx: ReadTx{tx: tx, ctx: context.Background()}, ringCap: s.ringCap})
		return fnErr
	})
	if err != nil {
		if err == fnErr || errors.Is(err, ErrCorrupt) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTxnAborted, err)
	}
	return s.maybeSync()
}

// maybeSync forces a full file sync after commit in paranoid mode.
func (s *Store) maybeSync() error {
	if s.mode != SyncParanoid {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("kv: sync: %w", err)
	}
	return nil
}

// Snapshot streams a consistent copy of the database file to w, for
// backups. It runs inside a read transaction, so writers proceed
// concurrently.
func (s *Store) Snapshot(ctx context.Context, w io.Writer) error {
	return s.View(ctx, func(tx *ReadTx) error {
		_, err := tx.tx.WriteTo(w)
		return err
	})
}
