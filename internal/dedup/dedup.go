// Package dedup folds duplicate reports of one attack into a single event.
// Folds of the same fingerprint are serialized; different fingerprints fold
// concurrently.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/observability"
)

// StateReader looks up the current state of a fingerprint.
type StateReader interface {
	CurrentStateOf(ctx context.Context, fingerprint string) (model.ThreatEvent, bool, error)
	ScanCurrent(ctx context.Context, fn func(model.ThreatEvent) error) error
}

// Config holds deduplicator settings.
type Config struct {
	BloomCapacity uint    `yaml:"bloom_capacity" toml:"bloom_capacity"`
	BloomFPRate   float64 `yaml:"bloom_fp_rate" toml:"bloom_fp_rate"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BloomCapacity: 1_000_000,
		BloomFPRate:   0.001,
	}
}

// FoldResult describes one fold. Rescore is set when the incoming report
// raised the maximum reported severity.
type FoldResult struct {
	IsNew   bool
	Merged  model.ThreatEvent
	Prior   model.ThreatEvent
	Rescore bool
}

// CommitFunc persists a fold while the fingerprint is still locked and
// returns the state that was stored.
type CommitFunc func(ctx context.Context, res FoldResult) (model.ThreatEvent, error)

// Deduplicator serializes folds per fingerprint.
type Deduplicator struct {
	state   StateReader
	locks   *keyedMutex
	logger  *zap.Logger
	metrics *observability.Metrics

	bloomMu sync.Mutex
	seen    *bloom.BloomFilter
	seeded  bool
}

// New creates a deduplicator reading current state from state.
func New(state StateReader, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Deduplicator {
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = DefaultConfig().BloomCapacity
	}
	if cfg.BloomFPRate <= 0 || cfg.BloomFPRate >= 1 {
		cfg.BloomFPRate = DefaultConfig().BloomFPRate
	}
	return &Deduplicator{
		state:   state,
		locks:   newKeyedMutex(),
		logger:  logger.Named("dedup"),
		metrics: metrics,
		seen:    bloom.NewWithEstimates(cfg.BloomCapacity, cfg.BloomFPRate),
	}
}

// Seed loads every known fingerprint into the prefilter. Until it has run,
// every fold reads the store.
func (d *Deduplicator) Seed(ctx context.Context) error {
	n := 0
	err := d.state.ScanCurrent(ctx, func(ev model.ThreatEvent) error {
		d.bloomMu.Lock()
		d.seen.AddString(ev.Fingerprint)
		d.bloomMu.Unlock()
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed fingerprint filter: %w", err)
	}

	d.bloomMu.Lock()
	d.seeded = true
	d.bloomMu.Unlock()
	d.logger.Info("Fingerprint filter seeded", zap.Int("fingerprints", n))
	return nil
}

// maybeKnown is false only when the fingerprint has certainly never been stored.
func (d *Deduplicator) maybeKnown(fingerprint string) bool {
	d.bloomMu.Lock()
	defer d.bloomMu.Unlock()
	return !d.seeded || d.seen.TestString(fingerprint)
}

func (d *Deduplicator) remember(fingerprint string) {
	d.bloomMu.Lock()
	d.seen.AddString(fingerprint)
	d.bloomMu.Unlock()
}

// Lookup returns the current state of fingerprint.
func (d *Deduplicator) Lookup(ctx context.Context, fingerprint string) (model.ThreatEvent, bool, error) {
	if !d.maybeKnown(fingerprint) {
		d.metrics.Folds.WithLabelValues("filter_miss").Inc()
		return model.ThreatEvent{}, false, nil
	}
	return d.state.CurrentStateOf(ctx, fingerprint)
}

// WithLock runs fn while holding the lock of fingerprint.
func (d *Deduplicator) WithLock(ctx context.Context, fingerprint string, fn func(ctx context.Context) error) error {
	unlock, err := d.locks.Lock(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("waiting for fingerprint %s: %w", fingerprint, err)
	}
	defer unlock()
	return fn(ctx)
}

// Fold merges ev into the stored state of its fingerprint and hands the
// result to commit under the fingerprint lock. When commit fails nothing is
// folded, so the reporter may resend without double counting.
func (d *Deduplicator) Fold(ctx context.Context, ev model.ThreatEvent, commit CommitFunc) (FoldResult, error) {
	var res FoldResult
	err := d.WithLock(ctx, ev.Fingerprint, func(ctx context.Context) error {
		prior, exists, err := d.Lookup(ctx, ev.Fingerprint)
		if err != nil {
			return err
		}

		if exists {
			merged, rescore := Merge(prior, ev)
			res = FoldResult{Merged: merged, Prior: prior, Rescore: rescore}
		} else {
			res = FoldResult{IsNew: true, Merged: ev, Rescore: true}
		}

		stored, err := commit(ctx, res)
		if err != nil {
			return err
		}
		res.Merged = stored
		d.remember(ev.Fingerprint)
		return nil
	})
	if err != nil {
		return FoldResult{}, err
	}

	outcome := "merged"
	if res.IsNew {
		outcome = "new"
	}
	d.metrics.Folds.WithLabelValues(outcome).Inc()
	return res, nil
}

// Merge folds incoming into existing. The result does not depend on the
// order reports arrive in: counts add, the seen window widens, and the
// highest severity wins. Score and status are carried over for rescoring.
func Merge(existing, incoming model.ThreatEvent) (model.ThreatEvent, bool) {
	merged := existing
	merged.OccurrenceCount = existing.OccurrenceCount + incoming.OccurrenceCount

	if incoming.FirstSeenAt.Before(existing.FirstSeenAt) {
		merged.FirstSeenAt = incoming.FirstSeenAt
		merged.ReporterID = incoming.ReporterID
	}
	if !incoming.LastSeenAt.Before(existing.LastSeenAt) {
		merged.LastSeenAt = incoming.LastSeenAt
		merged.LastReporterID = incoming.LastReporterID
	}

	rescore := incoming.SeverityRaw.Rank() > existing.SeverityRaw.Rank()
	merged.SeverityRaw = model.MaxSeverity(existing.SeverityRaw, incoming.SeverityRaw)

	if merged.Geo == "" {
		merged.Geo = incoming.Geo
	}
	if merged.Description == "" {
		merged.Description = incoming.Description
	}
	return merged, rescore
}
