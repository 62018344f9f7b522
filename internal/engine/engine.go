// Package engine runs the report pipeline: canonicalize, fold, score and
// append, on a bounded pool of shared workers. It also owns degraded mode,
// suppression and the decay sweep.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/codec"
	"github.com/lvonguyen/threatmesh/internal/dedup"
	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/scoring"
	"github.com/lvonguyen/threatmesh/internal/store"
)

var (
	// ErrDegraded is returned while the store is unreachable.
	ErrDegraded = errors.New("engine: degraded, not accepting reports")

	// ErrOverloaded is returned when the job queue is full.
	ErrOverloaded = errors.New("engine: overloaded")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("engine: stopped")

	// ErrEventNotFound is returned for unknown fingerprints.
	ErrEventNotFound = errors.New("engine: event not found")
)

// Config holds pipeline settings.
type Config struct {
	Workers           int           `yaml:"workers" toml:"workers"`
	QueueDepth        int           `yaml:"queue_depth" toml:"queue_depth"`
	DegradedThreshold int           `yaml:"degraded_threshold" toml:"degraded_threshold"`
	ProbeInterval     time.Duration `yaml:"probe_interval" toml:"probe_interval"`
	DecayWindow       time.Duration `yaml:"decay_window" toml:"decay_window"`
	DecayInterval     time.Duration `yaml:"decay_interval" toml:"decay_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           8,
		QueueDepth:        1024,
		DegradedThreshold: 3,
		ProbeInterval:     5 * time.Second,
		DecayWindow:       24 * time.Hour,
		DecayInterval:     10 * time.Minute,
	}
}

// Submission is one raw report. ReporterID, when set, is the authenticated
// identity of the sender and overrides the body.
type Submission struct {
	ReporterID string
	Raw        []byte
	ReceivedAt time.Time
}

// Result is the outcome of an accepted report.
type Result struct {
	Accepted    bool              `json:"accepted"`
	Fingerprint string            `json:"fingerprint"`
	IsNew       bool              `json:"is_new"`
	Sequence    uint64            `json:"sequence"`
	Event       model.ThreatEvent `json:"event"`
}

type job struct {
	ctx   context.Context
	ev    model.ThreatEvent
	reply chan jobResult
}

type jobResult struct {
	res dedup.FoldResult
	err error
}

// Engine is the report pipeline.
type Engine struct {
	config  Config
	codec   *codec.Codec
	dedup   *dedup.Deduplicator
	scorer  *scoring.Engine
	store   *store.Store
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	jobs     chan job
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup

	degraded  atomic.Bool
	exhausted atomic.Int64
}

// New creates an engine. A nil tracer uses the global provider.
func New(cfg Config, c *codec.Codec, d *dedup.Deduplicator, scorer *scoring.Engine, st *store.Store, logger *zap.Logger, metrics *observability.Metrics, tracer trace.Tracer) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = def.DegradedThreshold
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.DecayWindow <= 0 {
		cfg.DecayWindow = def.DecayWindow
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = def.DecayInterval
	}
	if tracer == nil {
		tracer = otel.Tracer("github.com/lvonguyen/threatmesh/internal/engine")
	}

	return &Engine{
		config:  cfg,
		codec:   c,
		dedup:   d,
		scorer:  scorer,
		store:   st,
		logger:  logger.Named("engine"),
		metrics: metrics,
		tracer:  tracer,
		now:     time.Now,
		jobs:    make(chan job, cfg.QueueDepth),
		stopped: make(chan struct{}),
	}
}

// Start seeds the deduplicator and launches the workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.dedup.Seed(ctx); err != nil {
		return err
	}
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("Pipeline started",
		zap.Int("workers", e.config.Workers),
		zap.Int("queue_depth", e.config.QueueDepth),
		zap.Strings("scoring_rules", e.scorer.RuleNames()))
	return nil
}

// Stop rejects new reports and waits for queued ones to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.wg.Wait()
		e.logger.Info("Pipeline stopped")
	})
}

// Run drives the degraded-mode probe and the decay sweep until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	probe := time.NewTicker(e.config.ProbeInterval)
	defer probe.Stop()
	decay := time.NewTicker(e.config.DecayInterval)
	defer decay.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			e.probe(ctx)
		case <-decay.C:
			if _, err := e.DecaySweep(ctx, e.now().UTC()); err != nil {
				e.logger.Warn("Decay sweep failed", zap.Error(err))
			}
		}
	}
}

// Submit runs one report through the pipeline. Rejected input returns a
// *codec.Rejection; a report that could not be made durable returns an error
// wrapping store.ErrAppendFailed and may be resent safely.
//
// If ctx ends before the fold reaches the store the report is dropped. If it
// ends while the append is in flight, Submit returns ctx.Err() but the record
// may still commit, and a resend is counted again.
func (e *Engine) Submit(ctx context.Context, sub Submission) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Submit")
	defer span.End()
	start := time.Now()
	defer func() { e.metrics.SubmitDuration.Observe(time.Since(start).Seconds()) }()

	select {
	case <-e.stopped:
		return Result{}, ErrStopped
	default:
	}
	if e.degraded.Load() {
		e.metrics.ReportsFailed.WithLabelValues("degraded").Inc()
		span.SetStatus(codes.Error, "degraded")
		return Result{}, ErrDegraded
	}

	receivedAt := sub.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = e.now()
	}
	ev, err := e.codec.Canonicalize(sub.Raw, sub.ReporterID, receivedAt)
	if err != nil {
		code := "unknown"
		var rej *codec.Rejection
		if errors.As(err, &rej) {
			code = rej.Code
		}
		e.metrics.ReportsRejected.WithLabelValues(code).Inc()
		e.logger.Debug("Report rejected", zap.String("reporter_id", sub.ReporterID), zap.Error(err))
		span.SetAttributes(attribute.String("threatmesh.rejection", code))
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("threatmesh.fingerprint", ev.Fingerprint),
		attribute.String("threatmesh.threat_type", string(ev.ThreatType)),
	)

	reply := make(chan jobResult, 1)
	select {
	case e.jobs <- job{ctx: ctx, ev: ev, reply: reply}:
		e.metrics.WorkerQueue.Set(float64(len(e.jobs)))
	default:
		e.metrics.ReportsFailed.WithLabelValues("overloaded").Inc()
		span.SetStatus(codes.Error, "overloaded")
		return Result{}, ErrOverloaded
	}

	var out jobResult
	select {
	case out = <-reply:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, "fold failed")
		return Result{}, out.err
	}

	merged := out.res.Merged
	span.SetAttributes(
		attribute.Int64("threatmesh.sequence", int64(merged.Sequence)),
		attribute.Float64("threatmesh.score", merged.Score),
	)
	return Result{
		Accepted:    true,
		Fingerprint: merged.Fingerprint,
		IsNew:       out.res.IsNew,
		Sequence:    merged.Sequence,
		Event:       merged,
	}, nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopped:
			// Drain what was accepted before the stop.
			for {
				select {
				case j := <-e.jobs:
					e.process(j)
				default:
					return
				}
			}
		case j := <-e.jobs:
			e.metrics.WorkerQueue.Set(float64(len(e.jobs)))
			e.process(j)
		}
	}
}

func (e *Engine) process(j job) {
	if err := j.ctx.Err(); err != nil {
		j.reply <- jobResult{err: err}
		return
	}

	res, err := e.dedup.Fold(j.ctx, j.ev, e.commitObserved)
	switch {
	case err == nil:
		e.appendSucceeded()
		e.metrics.ReportsAccepted.WithLabelValues(string(res.Merged.ThreatType)).Inc()
		e.logger.Debug("Report folded",
			zap.String("fingerprint", res.Merged.Fingerprint),
			zap.Bool("new", res.IsNew),
			zap.Bool("rescore", res.Rescore),
			zap.Int64("occurrences", res.Merged.OccurrenceCount),
			zap.Float64("score", res.Merged.Score),
			zap.Uint64("sequence", res.Merged.Sequence))
	case errors.Is(err, store.ErrAppendFailed):
		e.metrics.ReportsFailed.WithLabelValues("append").Inc()
		e.appendExhausted()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.metrics.ReportsFailed.WithLabelValues("canceled").Inc()
		e.logger.Debug("Report abandoned by caller", zap.String("fingerprint", j.ev.Fingerprint), zap.Error(err))
	default:
		e.metrics.ReportsFailed.WithLabelValues("fold").Inc()
		e.logger.Warn("Fold failed", zap.String("fingerprint", j.ev.Fingerprint), zap.Error(err))
	}
	j.reply <- jobResult{res: res, err: err}
}

// commitObserved scores a fold and appends it. It runs under the
// fingerprint lock. A caller that has already gone away gets nothing
// appended.
func (e *Engine) commitObserved(ctx context.Context, res dedup.FoldResult) (model.ThreatEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.ThreatEvent{}, err
	}
	ev := res.Merged
	prior := 0.0
	if !res.IsNew {
		prior = res.Prior.Score
	}

	// A new report revives an event that decayed; admin suppression stays.
	if ev.Status == model.StatusSuppressed && ev.SuppressReason == model.SuppressDecay {
		ev.Status = model.StatusPending
		ev.SuppressReason = model.SuppressNone
		prior = 0
		e.logger.Info("Decayed event reactivated", zap.String("fingerprint", ev.Fingerprint))
	}

	ev.Score = e.scorer.Score(ev, prior, ev.LastSeenAt)
	ev.Status = e.scorer.Status(ev)

	rec, err := e.store.Append(ctx, store.KindObserved, ev)
	if err != nil {
		return model.ThreatEvent{}, err
	}
	return rec.Event, nil
}

func (e *Engine) appendSucceeded() {
	e.exhausted.Store(0)
}

func (e *Engine) appendExhausted() {
	n := e.exhausted.Add(1)
	if n >= int64(e.config.DegradedThreshold) && e.degraded.CompareAndSwap(false, true) {
		e.metrics.Degraded.Set(1)
		e.logger.Error("Entering degraded mode, rejecting reports until the store recovers",
			zap.Int64("consecutive_failures", n))
	}
}

func (e *Engine) probe(ctx context.Context) {
	if !e.degraded.Load() {
		return
	}
	if err := e.store.Ping(ctx); err != nil {
		e.logger.Warn("Store still unreachable", zap.Error(err))
		return
	}
	e.exhausted.Store(0)
	if e.degraded.CompareAndSwap(true, false) {
		e.metrics.Degraded.Set(0)
		e.logger.Info("Store reachable again, leaving degraded mode")
	}
}

// Degraded reports whether the engine is refusing reports.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// Lookup returns the current state of a fingerprint. Cached states are
// served in degraded mode.
func (e *Engine) Lookup(ctx context.Context, fingerprint string) (model.ThreatEvent, error) {
	ev, ok, err := e.store.CurrentStateOf(ctx, fingerprint)
	if err != nil {
		return model.ThreatEvent{}, err
	}
	if !ok {
		return model.ThreatEvent{}, fmt.Errorf("%w: %s", ErrEventNotFound, fingerprint)
	}
	return ev, nil
}
