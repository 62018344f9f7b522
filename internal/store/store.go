// Package store is the append-only event log. Every mutation of a
// fingerprint is a new sequence-numbered record; the latest record per
// fingerprint is the current state.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/observability"
)

// ErrAppendFailed is returned once an append has exhausted its retries.
var ErrAppendFailed = errors.New("store: append failed")

// Config holds store settings.
type Config struct {
	Backend         string        `yaml:"backend" toml:"backend"` // memory, sqlite, postgres
	SQLitePath      string        `yaml:"sqlite_path" toml:"sqlite_path"`
	PostgresDSNEnv  string        `yaml:"postgres_dsn_env" toml:"postgres_dsn_env"`
	CacheSize       int           `yaml:"cache_size" toml:"cache_size"`
	AppendTimeout   time.Duration `yaml:"append_timeout" toml:"append_timeout"`
	AppendRetries   int           `yaml:"append_retries" toml:"append_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff" toml:"max_retry_backoff"`
	ReadBatch       int           `yaml:"read_batch" toml:"read_batch"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:         "memory",
		SQLitePath:      "data/threatmesh.db",
		PostgresDSNEnv:  "THREATMESH_POSTGRES_DSN",
		CacheSize:       65536,
		AppendTimeout:   2 * time.Second,
		AppendRetries:   3,
		RetryBackoff:    50 * time.Millisecond,
		MaxRetryBackoff: time.Second,
		ReadBatch:       256,
	}
}

// Stats is a point-in-time summary of the log.
type Stats struct {
	Head                uint64 `json:"head"`
	Fingerprints        int64  `json:"fingerprints"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
}

// Store fronts a Backend with sequence assignment, bounded retries, a
// current-state cache and live-tail notification.
type Store struct {
	backend Backend
	config  Config
	cache   *lru.Cache[string, model.ThreatEvent]
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	appendMu sync.Mutex
	head     atomic.Uint64
	failures atomic.Int64

	tailMu sync.Mutex
	tail   chan struct{}
}

// New opens a store over backend and loads the current head.
func New(ctx context.Context, backend Backend, cfg Config, logger *zap.Logger, metrics *observability.Metrics) (*Store, error) {
	def := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = def.AppendTimeout
	}
	if cfg.AppendRetries < 0 {
		cfg.AppendRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	if cfg.ReadBatch <= 0 {
		cfg.ReadBatch = def.ReadBatch
	}

	cache, err := lru.New[string, model.ThreatEvent](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create state cache: %w", err)
	}

	head, err := backend.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read log head: %w", err)
	}

	s := &Store{
		backend: backend,
		config:  cfg,
		cache:   cache,
		logger:  logger.Named("store"),
		metrics: metrics,
		now:     time.Now,
		tail:    make(chan struct{}),
	}
	s.head.Store(head)
	metrics.StoreHead.Set(float64(head))

	s.logger.Info("Event store opened", zap.Uint64("head", head), zap.String("backend", cfg.Backend))
	return s, nil
}

// Append writes ev as a new record and returns it with its sequence number.
// Appends are serialized so sequence order equals durable order. Each
// attempt is bounded by the append timeout; failures retry with doubling
// backoff up to the retry ceiling, then fail with ErrAppendFailed and the
// sequence number is reused by the next append.
func (s *Store) Append(ctx context.Context, kind Kind, ev model.ThreatEvent) (Record, error) {
	if err := ev.Check(); err != nil {
		return Record{}, fmt.Errorf("refusing to append: %w", err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	rec := Record{
		Sequence:   s.head.Load() + 1,
		Kind:       kind,
		AppendedAt: s.now().UTC(),
		Event:      ev,
	}
	rec.Event.Sequence = rec.Sequence

	backoff := s.config.RetryBackoff
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.config.AppendRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
			case <-timer.C:
			}
			if ctx.Err() != nil {
				break
			}
			backoff *= 2
			if backoff > s.config.MaxRetryBackoff {
				backoff = s.config.MaxRetryBackoff
			}

			// A timed-out attempt may still have committed.
			if head, err := s.headFromBackend(ctx); err == nil && head == rec.Sequence {
				s.committed(rec)
				return rec, nil
			}
		}

		attempts++
		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, s.config.AppendTimeout)
		err := s.backend.Append(actx, rec)
		cancel()
		s.metrics.StoreAppendDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			s.committed(rec)
			return rec, nil
		}

		lastErr = err
		s.metrics.StoreAppendFailures.Inc()
		s.logger.Warn("Append attempt failed",
			zap.Uint64("sequence", rec.Sequence),
			zap.String("fingerprint", ev.Fingerprint),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	s.failures.Add(1)
	s.metrics.StoreAppendExhausted.Inc()
	s.logger.Error("Append abandoned",
		zap.Uint64("sequence", rec.Sequence),
		zap.String("fingerprint", ev.Fingerprint),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return Record{}, fmt.Errorf("%w: sequence %d after %d attempts: %w", ErrAppendFailed, rec.Sequence, attempts, lastErr)
}

func (s *Store) headFromBackend(ctx context.Context) (uint64, error) {
	hctx, cancel := context.WithTimeout(ctx, s.config.AppendTimeout)
	defer cancel()
	return s.backend.Head(hctx)
}

// committed publishes a durable record to readers. Called with appendMu held.
func (s *Store) committed(rec Record) {
	s.head.Store(rec.Sequence)
	s.cache.Add(rec.Event.Fingerprint, rec.Event)
	s.failures.Store(0)
	s.metrics.StoreAppends.WithLabelValues(string(rec.Kind)).Inc()
	s.metrics.StoreHead.Set(float64(rec.Sequence))

	s.tailMu.Lock()
	close(s.tail)
	s.tail = make(chan struct{})
	s.tailMu.Unlock()
}

// tailSignal returns a channel closed by the next successful append.
func (s *Store) tailSignal() <-chan struct{} {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	return s.tail
}

// Head returns the highest committed sequence number.
func (s *Store) Head() uint64 {
	return s.head.Load()
}

// CurrentStateOf returns the latest folded state of fingerprint. Cached
// states are served even while the backend is unavailable.
func (s *Store) CurrentStateOf(ctx context.Context, fingerprint string) (model.ThreatEvent, bool, error) {
	if ev, ok := s.cache.Get(fingerprint); ok {
		s.metrics.StoreCacheLookups.WithLabelValues("hit").Inc()
		return ev, true, nil
	}
	s.metrics.StoreCacheLookups.WithLabelValues("miss").Inc()

	rec, ok, err := s.backend.Latest(ctx, fingerprint)
	if err != nil {
		return model.ThreatEvent{}, false, fmt.Errorf("failed to read state of %s: %w", fingerprint, err)
	}
	if !ok {
		return model.ThreatEvent{}, false, nil
	}
	// Never replace a newer state an append cached meanwhile.
	s.cache.ContainsOrAdd(fingerprint, rec.Event)
	return rec.Event, true, nil
}

// ReadFrom returns a cursor yielding every record with a sequence number
// greater than after, followed by the live tail.
func (s *Store) ReadFrom(after uint64) *Cursor {
	return &Cursor{store: s, pos: after}
}

// ScanCurrent visits the current state of every fingerprint.
func (s *Store) ScanCurrent(ctx context.Context, fn func(model.ThreatEvent) error) error {
	return s.backend.ScanLatest(ctx, func(rec Record) error {
		return fn(rec.Event)
	})
}

// Ping checks that the backend answers.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.headFromBackend(ctx)
	return err
}

// ConsecutiveFailures counts appends abandoned since the last success.
func (s *Store) ConsecutiveFailures() int64 {
	return s.failures.Load()
}

// Stats returns log counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	n, err := s.backend.CountFingerprints(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Head:                s.Head(),
		Fingerprints:        n,
		ConsecutiveFailures: s.ConsecutiveFailures(),
	}, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
