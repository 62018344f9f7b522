// Package config provides configuration management for ThreatMesh.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatmesh/internal/api"
	"github.com/lvonguyen/threatmesh/internal/api/gateway"
	"github.com/lvonguyen/threatmesh/internal/codec"
	"github.com/lvonguyen/threatmesh/internal/dedup"
	"github.com/lvonguyen/threatmesh/internal/engine"
	"github.com/lvonguyen/threatmesh/internal/fanout"
	"github.com/lvonguyen/threatmesh/internal/ingestion"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/relay"
	"github.com/lvonguyen/threatmesh/internal/scoring"
	"github.com/lvonguyen/threatmesh/internal/session"
	"github.com/lvonguyen/threatmesh/internal/store"
)

// Config holds all ThreatMesh configuration.
type Config struct {
	Server        api.Config               `yaml:"server" toml:"server"`
	Observability observability.Config     `yaml:"observability" toml:"observability"`
	Codec         codec.Config             `yaml:"codec" toml:"codec"`
	Scoring       scoring.Config           `yaml:"scoring" toml:"scoring"`
	Store         store.Config             `yaml:"store" toml:"store"`
	Dedup         dedup.Config             `yaml:"dedup" toml:"dedup"`
	Fanout        fanout.Config            `yaml:"fanout" toml:"fanout"`
	Session       session.Config           `yaml:"session" toml:"session"`
	Engine        engine.Config            `yaml:"engine" toml:"engine"`
	RateLimit     gateway.RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	HEC           ingestion.ReceiverConfig `yaml:"hec" toml:"hec"`
	Relay         relay.Config             `yaml:"relay" toml:"relay"`
}

// Load reads configuration from a YAML or TOML file, chosen by extension.
// Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: api.DefaultConfig(),
		Observability: observability.Config{
			ServiceName:  "threatmesh",
			Environment:  "development",
			LogLevel:     "info",
			LogFormat:    "json",
			SamplingRate: 0.1,
		},
		Codec:     codec.DefaultConfig(),
		Scoring:   scoring.DefaultConfig(),
		Store:     store.DefaultConfig(),
		Dedup:     dedup.DefaultConfig(),
		Fanout:    fanout.DefaultConfig(),
		Session:   session.DefaultConfig(),
		Engine:    engine.DefaultConfig(),
		RateLimit: gateway.DefaultRateLimitConfig(),
		HEC:       ingestion.DefaultReceiverConfig(),
		Relay:     relay.DefaultConfig(),
	}
}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	atLeast := func(name string, v, min int) {
		if v < min {
			errs = append(errs, fmt.Errorf("%s must be at least %d, got %d", name, min, v))
		}
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	positive("server.request_timeout", c.Server.RequestTimeout)
	positive("server.shutdown_timeout", c.Server.ShutdownTimeout)
	positive("server.stream_write_timeout", c.Server.StreamWriteTimeout)
	if c.Server.MaxReportBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_report_bytes must be positive, got %d", c.Server.MaxReportBytes))
	}

	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("observability.log_level %q is not one of debug, info, warn, error", c.Observability.LogLevel))
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be within [0, 1], got %g", c.Observability.SamplingRate))
	}

	positive("codec.clock_skew", c.Codec.ClockSkew)
	atLeast("codec.max_text_bytes", c.Codec.MaxTextBytes, 1)

	if c.Scoring.ConfirmThreshold < 0 || c.Scoring.ConfirmThreshold > 100 {
		errs = append(errs, fmt.Errorf("scoring.confirm_threshold must be within [0, 100], got %g", c.Scoring.ConfirmThreshold))
	}
	positive("scoring.half_life", c.Scoring.HalfLife)

	switch c.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, sqlite, postgres", c.Store.Backend))
	}
	positive("store.append_timeout", c.Store.AppendTimeout)
	atLeast("store.append_retries", c.Store.AppendRetries, 1)
	atLeast("store.read_batch", c.Store.ReadBatch, 1)

	if c.Dedup.BloomFPRate <= 0 || c.Dedup.BloomFPRate >= 1 {
		errs = append(errs, fmt.Errorf("dedup.bloom_fp_rate must be within (0, 1), got %g", c.Dedup.BloomFPRate))
	}

	atLeast("fanout.queue_depth", c.Fanout.QueueDepth, 1)
	atLeast("fanout.max_attempts", c.Fanout.MaxAttempts, 1)
	positive("fanout.delivery_timeout", c.Fanout.DeliveryTimeout)
	positive("fanout.retry_backoff", c.Fanout.RetryBackoff)

	positive("session.heartbeat_interval", c.Session.HeartbeatInterval)
	positive("session.grace_period", c.Session.GracePeriod)
	positive("session.sweep_interval", c.Session.SweepInterval)
	if c.Session.HeartbeatTimeout <= c.Session.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("session.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Session.HeartbeatTimeout, c.Session.HeartbeatInterval))
	}

	atLeast("engine.workers", c.Engine.Workers, 1)
	atLeast("engine.queue_depth", c.Engine.QueueDepth, 1)
	atLeast("engine.degraded_threshold", c.Engine.DegradedThreshold, 1)
	positive("engine.probe_interval", c.Engine.ProbeInterval)
	positive("engine.decay_window", c.Engine.DecayWindow)

	if c.RateLimit.Enabled && c.RateLimit.RedisAddr == "" {
		errs = append(errs, errors.New("rate_limit.redis_addr is required when rate limiting is enabled"))
	}

	if c.HEC.Enabled {
		if c.HEC.Port <= 0 || c.HEC.Port > 65535 {
			errs = append(errs, fmt.Errorf("hec.port %d is out of range", c.HEC.Port))
		}
		atLeast("hec.max_batch_size", c.HEC.MaxBatchSize, 1)
	}

	if c.Relay.Enabled {
		switch c.Relay.Transport {
		case relay.TransportNATS:
			if c.Relay.NATSURL == "" {
				errs = append(errs, errors.New("relay.nats_url is required for the nats transport"))
			}
		case relay.TransportHEC:
			if c.Relay.HEC.HECURL == "" {
				errs = append(errs, errors.New("relay.hec.hec_url is required for the hec transport"))
			}
		default:
			errs = append(errs, fmt.Errorf("relay.transport %q is not one of nats, hec", c.Relay.Transport))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
