// Package relay republishes committed log records to external consumers:
// a NATS subject tree or a Splunk HEC endpoint.
package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/ingestion"
	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/store"
)

// Transports.
const (
	TransportNATS = "nats"
	TransportHEC  = "hec"
)

// Config configures the relay.
type Config struct {
	Enabled         bool                   `yaml:"enabled" toml:"enabled"`
	Transport       string                 `yaml:"transport" toml:"transport"`
	NATSURL         string                 `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix   string                 `yaml:"subject_prefix" toml:"subject_prefix"`
	ConfirmedOnly   bool                   `yaml:"confirmed_only" toml:"confirmed_only"`
	RetryBackoff    time.Duration          `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxRetryBackoff time.Duration          `yaml:"max_retry_backoff" toml:"max_retry_backoff"`
	HEC             ingestion.SenderConfig `yaml:"hec" toml:"hec"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Transport:       TransportNATS,
		NATSURL:         "nats://localhost:4222",
		SubjectPrefix:   "threatmesh.events",
		RetryBackoff:    500 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
		HEC:             ingestion.DefaultSenderConfig(),
	}
}

// Publisher delivers one record to the outside world.
type Publisher interface {
	Publish(ctx context.Context, rec store.Record) error
	Close() error
}

// Open connects the publisher named by cfg.Transport.
func Open(cfg Config, logger *zap.Logger) (Publisher, error) {
	switch cfg.Transport {
	case TransportNATS, "":
		return DialNATS(cfg.NATSURL, cfg.SubjectPrefix, logger)
	case TransportHEC:
		sender, err := ingestion.NewHECSender(cfg.HEC)
		if err != nil {
			return nil, err
		}
		// An unreachable collector is not fatal; publishes retry until it answers.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sender.HealthCheck(ctx); err != nil {
			logger.Warn("HEC collector not healthy yet", zap.String("url", cfg.HEC.HECURL), zap.Error(err))
		}
		return &EventPublisher{Sender: sender}, nil
	default:
		return nil, fmt.Errorf("unknown relay transport: %s", cfg.Transport)
	}
}

// Relay tails the log and hands every record to a publisher in order. A
// record that cannot be published is retried until it goes through or the
// relay stops, so consumers see no gaps while the relay runs.
type Relay struct {
	store     *store.Store
	publisher Publisher
	config    Config
	logger    *zap.Logger
	metrics   *observability.Metrics
	position  atomic.Uint64
}

// New creates a relay. It starts at the current head; earlier records are
// not republished.
func New(st *store.Store, pub Publisher, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Relay {
	def := DefaultConfig()
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = def.MaxRetryBackoff
	}
	r := &Relay{
		store:     st,
		publisher: pub,
		config:    cfg,
		logger:    logger.Named("relay"),
		metrics:   metrics,
	}
	r.position.Store(st.Head())
	return r
}

// Position is the sequence of the last record handled.
func (r *Relay) Position() uint64 {
	return r.position.Load()
}

// Run publishes records until ctx is done. Log read failures are retried
// with backoff and never end the loop.
func (r *Relay) Run(ctx context.Context) error {
	cur := r.store.ReadFrom(r.position.Load())
	r.logger.Info("Relay started", zap.String("transport", r.config.Transport), zap.Uint64("from", cur.Position()))

	backoff := r.config.RetryBackoff
	for {
		rec, err := cur.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("Relay stopped", zap.Uint64("position", r.Position()))
				return nil
			}
			r.logger.Warn("Failed to read log tail",
				zap.Uint64("position", cur.Position()),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, r.config.MaxRetryBackoff)
			continue
		}
		backoff = r.config.RetryBackoff

		if r.config.ConfirmedOnly && rec.Event.Status != model.StatusConfirmed {
			r.metrics.RelayPublished.WithLabelValues("skipped").Inc()
			r.position.Store(rec.Sequence)
			continue
		}
		if !r.publish(ctx, rec) {
			return nil
		}
		r.position.Store(rec.Sequence)
	}
}

// publish retries rec with exponential backoff. It returns false when ctx
// ends first.
func (r *Relay) publish(ctx context.Context, rec store.Record) bool {
	backoff := r.config.RetryBackoff
	for {
		err := r.publisher.Publish(ctx, rec)
		if err == nil {
			r.metrics.RelayPublished.WithLabelValues("ok").Inc()
			return true
		}
		r.metrics.RelayPublished.WithLabelValues("error").Inc()
		r.logger.Warn("Relay publish failed",
			zap.Uint64("sequence", rec.Sequence),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.config.MaxRetryBackoff)
	}
}
