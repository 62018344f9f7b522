// Package api serves the device protocol: session registration, report
// submission, heartbeats and the websocket event stream, plus the
// operator endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/api/gateway"
	"github.com/lvonguyen/threatmesh/internal/engine"
	"github.com/lvonguyen/threatmesh/internal/fanout"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/session"
)

// Config holds HTTP server settings.
type Config struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MaxReportBytes  int64         `yaml:"max_report_bytes" toml:"max_report_bytes"`
	AdminTokenEnv   string        `yaml:"admin_token_env" toml:"admin_token_env"`
	AllowedOrigins  []string      `yaml:"allowed_origins" toml:"allowed_origins"`

	// StreamWriteTimeout bounds a single websocket frame write.
	StreamWriteTimeout time.Duration `yaml:"stream_write_timeout" toml:"stream_write_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        60 * time.Second,
		RequestTimeout:     30 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		MaxReportBytes:     64 * 1024,
		AdminTokenEnv:      "THREATMESH_ADMIN_TOKEN",
		StreamWriteTimeout: 5 * time.Second,
	}
}

// Deps are the components the server fronts. Limiter and MetricsHandler
// are optional.
type Deps struct {
	Engine         *engine.Engine
	Sessions       *session.Manager
	Fanout         *fanout.Coordinator
	Limiter        *gateway.RateLimiter
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Logger         *zap.Logger
	Version        string
}

// Server is the device-facing HTTP server.
type Server struct {
	config   Config
	engine   *engine.Engine
	sessions *session.Manager
	fanout   *fanout.Coordinator
	limiter  *gateway.RateLimiter
	metrics  *observability.Metrics
	promHTTP http.Handler
	logger   *zap.Logger
	version  string
	upgrader websocket.Upgrader
}

// NewServer creates a server.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxReportBytes <= 0 {
		cfg.MaxReportBytes = def.MaxReportBytes
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = def.StreamWriteTimeout
	}

	s := &Server{
		config:   cfg,
		engine:   deps.Engine,
		sessions: deps.Sessions,
		fanout:   deps.Fanout,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		promHTTP: deps.MetricsHandler,
		logger:   deps.Logger.Named("api"),
		version:  deps.Version,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.HTTPMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.promHTTP != nil {
		r.Handle("/metrics", s.promHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// The stream outlives any request timeout.
		r.Get("/sessions/{id}/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.RequestTimeout))

			r.Post("/sessions", s.handleRegister)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Delete("/sessions/{id}", s.handleDisconnect)
			r.Post("/sessions/{id}/heartbeat", s.handleHeartbeat)
			r.With(s.reportLimiter()).Post("/sessions/{id}/reports", s.handleReport)

			r.Get("/stats", s.handleStats)
			r.Get("/events/{fingerprint}", s.handleGetEvent)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.adminAuth)
				r.Post("/events/{fingerprint}/suppress", s.handleSuppress)
				r.Post("/events/{fingerprint}/unsuppress", s.handleUnsuppress)
				r.Post("/decay", s.handleDecay)
				r.Get("/export", s.handleExport)
			})
		})
	})

	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger writes one access log line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("Request served",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

// reportLimiter throttles reports per device, by the tier of the platform
// the session registered with. Unknown sessions pass through to the
// handler, which answers 404.
func (s *Server) reportLimiter() func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	lookup := func(r *http.Request) (session.Info, bool) {
		info, err := s.sessions.Get(chi.URLParam(r, "id"))
		return info, err == nil
	}
	return s.limiter.Middleware(
		func(r *http.Request) string {
			info, _ := lookup(r)
			return string(info.Platform)
		},
		func(r *http.Request) string {
			info, _ := lookup(r)
			return info.DeviceID
		},
	)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Devices are native clients and send no Origin.
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.logger.Warn("Rejected websocket origin", zap.String("origin", origin))
	return false
}
