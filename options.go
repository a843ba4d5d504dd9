package pulsedb

import (
	"time"

	"github.com/draco28/PulseDB/embedding"
	"github.com/draco28/PulseDB/kv"
)

// EmbeddingDimension is the configured default vector dimension. The named
// constants match common embedding models; any value in 1..4096 is valid.
type EmbeddingDimension int

const (
	// D384 matches all-MiniLM-L6-v2 style models (the default).
	D384 EmbeddingDimension = 384

	// D768 matches BERT-base style models.
	D768 EmbeddingDimension = 768
)

// Limits bounds resource usage. Zero values mean the documented defaults;
// negative values disable the corresponding limit where noted.
type Limits struct {
	// MaxExperiencesPerCollective caps inserts per collective.
	// Zero means unlimited.
	MaxExperiencesPerCollective int

	// MaxTotalBytes caps the database file size checked before each write.
	// Zero means unlimited.
	MaxTotalBytes int64

	// MaxConcurrentReadTxns bounds simultaneous read snapshots.
	// Zero means 100.
	MaxConcurrentReadTxns int

	// QueryTimeout is applied to reads whose context has no deadline.
	// Zero means no implicit deadline.
	QueryTimeout time.Duration

	// LockTimeout bounds writer file-lock acquisition at open.
	// Zero means 30s.
	LockTimeout time.Duration

	// WatchBufferSize is the per-subscriber bounded channel capacity.
	// Zero means 1000.
	WatchBufferSize int

	// StaleAgentThreshold is the heartbeat age beyond which an agent is no
	// longer considered active. Zero means 5 minutes.
	StaleAgentThreshold time.Duration
}

// Options configures an opened database. Build it with the With* functional
// options.
type Options struct {
	// Embedder generates embeddings when experiences arrive without one.
	// Nil means the External provider: callers must supply embeddings and
	// the engine only validates their length.
	Embedder embedding.Service

	// EmbeddingDimension is the default dimension frozen into newly created
	// collectives.
	EmbeddingDimension EmbeddingDimension

	// InferPerCollective skips the open-time check that EmbeddingDimension
	// matches every existing collective; each collective keeps its own
	// frozen dimension.
	InferPerCollective bool

	// SyncMode selects the durability/throughput trade-off.
	SyncMode kv.SyncMode

	// CacheSizeBytes sizes the storage engine's initial mmap region.
	CacheSizeBytes int

	// IndexSaveInterval persists dirty vector indexes every N commits (and
	// always at Close). Zero means 256.
	IndexSaveInterval int

	// PollInterval is the default cadence for cross-process change pollers.
	// Zero means 100ms.
	PollInterval time.Duration

	// InProcessWatch enables the in-process fan-out registry. On by default.
	InProcessWatch bool

	Limits Limits

	Logger  *Logger
	Metrics MetricsCollector
}

// DefaultOptions contains the default database options.
var DefaultOptions = Options{
	EmbeddingDimension: D384,
	SyncMode:           kv.SyncNormal,
	CacheSizeBytes:     64 << 20,
	IndexSaveInterval:  256,
	PollInterval:       100 * time.Millisecond,
	InProcessWatch:     true,
	Limits: Limits{
		MaxConcurrentReadTxns: 100,
		LockTimeout:           30 * time.Second,
		WatchBufferSize:       1000,
		StaleAgentThreshold:   5 * time.Minute,
	},
}

// Option mutates Options.
type Option func(o *Options)

// WithEmbedder plugs in an embedding service for Builtin-style generation.
func WithEmbedder(svc embedding.Service) Option {
	return func(o *Options) { o.Embedder = svc }
}

// WithEmbeddingDimension sets the default dimension for new collectives.
func WithEmbeddingDimension(dim EmbeddingDimension) Option {
	return func(o *Options) { o.EmbeddingDimension = dim }
}

// WithInferPerCollective accepts existing collectives regardless of the
// configured default dimension.
func WithInferPerCollective() Option {
	return func(o *Options) { o.InferPerCollective = true }
}

// WithSyncMode sets the commit durability mode.
func WithSyncMode(mode kv.SyncMode) Option {
	return func(o *Options) { o.SyncMode = mode }
}

// WithCacheSize sets the storage engine cache size in bytes.
func WithCacheSize(bytes int) Option {
	return func(o *Options) { o.CacheSizeBytes = bytes }
}

// WithLimits overrides the resource limits.
func WithLimits(l Limits) Option {
	return func(o *Options) { o.Limits = l }
}

// WithIndexSaveInterval sets how many commits may pass between vector index
// persists.
func WithIndexSaveInterval(commits int) Option {
	return func(o *Options) { o.IndexSaveInterval = commits }
}

// WithPollInterval sets the default cross-process poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

// WithoutInProcessWatch disables the in-process fan-out registry.
func WithoutInProcessWatch() Option {
	return func(o *Options) { o.InProcessWatch = false }
}

// WithLogger sets the logger. Nil means no logging.
func WithLogger(l *Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics collector. Nil means no metrics.
func WithMetrics(m MetricsCollector) Option {
	return func(o *Options) { o.Metrics = m }
}

func applyOptions(optFns []Option) Options {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetricsCollector{}
	}
	if opts.IndexSaveInterval <= 0 {
		opts.IndexSaveInterval = DefaultOptions.IndexSaveInterval
	}
	if opts.Limits.MaxConcurrentReadTxns <= 0 {
		opts.Limits.MaxConcurrentReadTxns = DefaultOptions.Limits.MaxConcurrentReadTxns
	}
	if opts.Limits.LockTimeout <= 0 {
		opts.Limits.LockTimeout = DefaultOptions.Limits.LockTimeout
	}
	if opts.Limits.WatchBufferSize <= 0 {
		opts.Limits.WatchBufferSize = DefaultOptions.Limits.WatchBufferSize
	}
	if opts.Limits.StaleAgentThreshold <= 0 {
		opts.Limits.StaleAgentThreshold = DefaultOptions.Limits.StaleAgentThreshold
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions.PollInterval
	}
	return opts
}

// validateOptions rejects configurations that cannot work.
func validateOptions(o *Options) error {
	if o.EmbeddingDimension <= 0 || o.EmbeddingDimension > 4096 {
		return invalidField("embedding_dimension", "must be in 1..4096, got %d", int(o.EmbeddingDimension))
	}
	if o.CacheSizeBytes < 0 {
		return invalidField("cache_size_bytes", "must not be negative")
	}
	if o.Embedder != nil && o.Embedder.Dimension() != int(o.EmbeddingDimension) {
		return invalidField("embedder", "service dimension %d does not match configured dimension %d",
			o.Embedder.Dimension(), int(o.EmbeddingDimension))
	}
	return nil
}
