// Package main provides the entry point for the ThreatMesh server.
// It ingests threat reports from devices, deduplicates and scores them into
// a durable event log, and fans the log out to connected sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/threatmesh/internal/api"
	"github.com/lvonguyen/threatmesh/internal/api/gateway"
	"github.com/lvonguyen/threatmesh/internal/codec"
	"github.com/lvonguyen/threatmesh/internal/config"
	"github.com/lvonguyen/threatmesh/internal/dedup"
	"github.com/lvonguyen/threatmesh/internal/engine"
	"github.com/lvonguyen/threatmesh/internal/fanout"
	"github.com/lvonguyen/threatmesh/internal/ingestion"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/relay"
	"github.com/lvonguyen/threatmesh/internal/scoring"
	"github.com/lvonguyen/threatmesh/internal/session"
	"github.com/lvonguyen/threatmesh/internal/store"
	"github.com/lvonguyen/threatmesh/internal/subscription"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file (.yaml or .toml)")
	restorePath := flag.String("restore", "", "Import a zstd log snapshot before serving")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ThreatMesh %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Observability.ServiceVersion = Version

	tel, err := observability.New(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	logger.Info("Starting ThreatMesh",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", *configPath),
		zap.String("store_backend", cfg.Store.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, tel, *restorePath); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		shutdownTelemetry(tel)
		os.Exit(1)
	}
	shutdownTelemetry(tel)
}

func run(ctx context.Context, cfg *config.Config, tel *observability.Telemetry, restorePath string) error {
	logger := tel.Logger()
	metrics := tel.Metrics()

	backend, err := store.OpenBackend(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	st, err := store.New(ctx, backend, cfg.Store, logger, metrics)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to load event log: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Event log close failed", zap.Error(err))
		}
	}()

	if restorePath != "" {
		if err := restore(ctx, st, restorePath, logger); err != nil {
			return err
		}
	}

	c, err := codec.New(cfg.Codec)
	if err != nil {
		return fmt.Errorf("failed to build codec: %w", err)
	}
	d := dedup.New(st, cfg.Dedup, logger, metrics)
	scorer := scoring.New(cfg.Scoring)

	registry := subscription.NewRegistry()
	coord := fanout.NewCoordinator(st, registry, cfg.Fanout, logger, metrics)
	sessions := session.NewManager(cfg.Session, coord, registry, st, logger, metrics)
	coord.SetNotifier(sessions)

	var rl *relay.Relay
	if cfg.Relay.Enabled {
		pub, err := relay.Open(cfg.Relay, logger)
		if err != nil {
			return fmt.Errorf("failed to open relay: %w", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("Relay publisher close failed", zap.Error(err))
			}
		}()
		rl = relay.New(st, pub, cfg.Relay, logger, metrics)
	}

	pipeline := engine.New(cfg.Engine, c, d, scorer, st, logger, metrics, tel.Tracer())
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer pipeline.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pipeline.Run(ctx)
		return nil
	})
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error {
		sessions.Run(ctx)
		return nil
	})
	tel.StartSystemMetricsCollector(ctx)

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: os.Getenv(cfg.RateLimit.RedisPasswordEnv),
			DB:       cfg.RateLimit.RedisDB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// The limiter fails open, so a missing Redis only loses limiting.
			logger.Warn("Redis unreachable, report limits not enforced until it returns",
				zap.String("addr", cfg.RateLimit.RedisAddr), zap.Error(err))
		}
		cancel()
		limiter = gateway.NewRateLimiter(rdb, cfg.RateLimit, logger, metrics)
	}

	if cfg.HEC.Enabled {
		receiver := ingestion.NewHECReceiver(cfg.HEC, ingestion.SubmitHandler(pipeline, logger, metrics), logger, metrics)
		g.Go(func() error {
			if err := receiver.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HEC receiver: %w", err)
			}
			return nil
		})
	}

	if rl != nil {
		g.Go(func() error { return rl.Run(ctx) })
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Engine:         pipeline,
		Sessions:       sessions,
		Fanout:         coord,
		Limiter:        limiter,
		Metrics:        metrics,
		MetricsHandler: tel.MetricsHandler(),
		Logger:         logger,
		Version:        Version,
	})
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	err = g.Wait()
	logger.Info("Shutting down", zap.Uint64("head", st.Head()), zap.Int("live_sessions", sessions.Len()))
	return err
}

// restore imports a snapshot produced by the admin export endpoint.
func restore(ctx context.Context, st *store.Store, path string, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	n, err := st.Import(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to restore snapshot after %d records: %w", n, err)
	}
	logger.Info("Snapshot restored", zap.String("path", path), zap.Int("records", n), zap.Uint64("head", st.Head()))
	return nil
}

func shutdownTelemetry(tel *observability.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}
