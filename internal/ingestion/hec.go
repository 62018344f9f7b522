// Package ingestion accepts threat reports from sensors speaking the Splunk
// HEC protocol and forwards confirmed events back out over HEC.
package ingestion

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/observability"
)

var (
	// ErrInvalidEvent marks a batch in which at least one event was
	// rejected. The remaining events were still submitted.
	ErrInvalidEvent = errors.New("ingestion: invalid event")

	// ErrBusy marks a batch the pipeline could not take right now. Senders
	// should retry.
	ErrBusy = errors.New("ingestion: pipeline busy")

	errBatchTooLarge = errors.New("batch exceeds maximum size")
)

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	metrics *observability.Metrics
	server  *http.Server
	mu      sync.RWMutex
	stats   ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled"`
	Port         int           `yaml:"port" toml:"port"`
	TokenEnv     string        `yaml:"token_env" toml:"token_env"`
	TLSCertFile  string        `yaml:"tls_cert_file" toml:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" toml:"tls_key_file"`
	MaxBatchSize int           `yaml:"max_batch_size" toml:"max_batch_size"`
	MaxEventSize int           `yaml:"max_event_size" toml:"max_event_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Port:         8088,
		TokenEnv:     "THREATMESH_HEC_TOKEN",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64
	EventsDropped  int64
	BytesReceived  int64
	LastEventAt    time.Time
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler, logger *zap.Logger, metrics *observability.Metrics) *HECReceiver {
	def := DefaultReceiverConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = def.MaxBatchSize
	}
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = def.MaxEventSize
	}
	return &HECReceiver{
		config:  config,
		handler: handler,
		logger:  logger.Named("hec"),
		metrics: metrics,
	}
}

// Routes returns the HEC endpoints.
func (r *HECReceiver) Routes() chi.Router {
	router := chi.NewRouter()
	router.Post("/services/collector", r.handleEvent)
	router.Post("/services/collector/event", r.handleEvent)
	router.Post("/services/collector/event/1.0", r.handleEvent)
	router.Post("/services/collector/raw", r.handleRaw)
	router.Get("/services/collector/health", r.handleHealth)
	router.Get("/services/collector/health/1.0", r.handleHealth)
	return router
}

// Start begins listening for HEC events. It returns http.ErrServerClosed
// after ctx is done.
func (r *HECReceiver) Start(ctx context.Context) error {
	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.config.Port),
		Handler:      r.metrics.HTTPMiddleware(r.Routes()),
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("HEC receiver shutdown incomplete", zap.Error(err))
		}
	}()

	r.logger.Info("HEC receiver listening", zap.Int("port", r.config.Port))
	if r.config.TLSCertFile != "" && r.config.TLSKeyFile != "" {
		return r.server.ListenAndServeTLS(r.config.TLSCertFile, r.config.TLSKeyFile)
	}
	return r.server.ListenAndServe()
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// handleEvent processes HEC event endpoint requests.
func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, `{"text":"Invalid token","code":4}`)
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	// Parse events (may be multiple JSON objects or newline-delimited)
	events, err := r.parseEvents(body)
	if err != nil {
		r.metrics.HECEvents.WithLabelValues("malformed").Inc()
		writeHEC(w, http.StatusBadRequest, fmt.Sprintf(`{"text":%q,"code":6}`, err.Error()))
		return
	}

	r.dispatch(req.Context(), w, events, len(body))
}

// handleRaw processes raw HEC endpoint requests. Each non-empty line of the
// body is one report.
func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, `{"text":"Invalid token","code":4}`)
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	q := req.URL.Query()
	var events []HECEvent
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		events = append(events, HECEvent{
			Event:      json.RawMessage(line),
			SourceType: q.Get("sourcetype"),
			Source:     q.Get("source"),
			Host:       q.Get("host"),
			Index:      q.Get("index"),
		})
	}
	if len(events) == 0 {
		writeHEC(w, http.StatusBadRequest, `{"text":"No data","code":5}`)
		return
	}
	if len(events) > r.config.MaxBatchSize {
		writeHEC(w, http.StatusBadRequest, fmt.Sprintf(`{"text":%q,"code":6}`, errBatchTooLarge.Error()))
		return
	}

	r.dispatch(req.Context(), w, events, len(body))
}

func (r *HECReceiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)+1))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, `{"text":"Error reading body","code":6}`)
		return nil, false
	}
	if len(body) > r.config.MaxEventSize {
		writeHEC(w, http.StatusRequestEntityTooLarge, `{"text":"Content too large","code":27}`)
		return nil, false
	}
	return body, true
}

// dispatch hands events to the handler and maps its error to an HEC status.
func (r *HECReceiver) dispatch(ctx context.Context, w http.ResponseWriter, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()
	r.metrics.HECEvents.WithLabelValues("received").Add(float64(len(events)))

	if r.handler != nil {
		if err := r.handler(ctx, events); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(events))
			r.mu.Unlock()
			r.metrics.HECEvents.WithLabelValues("dropped").Add(float64(len(events)))
			r.logger.Warn("HEC batch not fully processed", zap.Int("events", len(events)), zap.Error(err))

			switch {
			case errors.Is(err, ErrInvalidEvent):
				writeHEC(w, http.StatusBadRequest, fmt.Sprintf(`{"text":"Invalid data format","code":6,"detail":%q}`, err.Error()))
			case errors.Is(err, ErrBusy):
				writeHEC(w, http.StatusServiceUnavailable, `{"text":"Server is busy","code":9}`)
			default:
				writeHEC(w, http.StatusInternalServerError, `{"text":"Error processing events","code":8}`)
			}
			return
		}
	}

	writeHEC(w, http.StatusOK, `{"text":"Success","code":0}`)
}

// handleHealth handles health check requests.
func (r *HECReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeHEC(w, http.StatusOK, `{"text":"HEC is healthy","code":17}`)
}

// validateToken checks the HEC token. Without a configured token every
// request is refused, and the token is only accepted from the
// Authorization header so it never lands in access logs.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expectedToken := os.Getenv(r.config.TokenEnv)
	if expectedToken == "" {
		return false
	}

	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Splunk ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) == 1
}

// parseEvents parses HEC event body (JSON or newline-delimited).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	// Try single JSON object first
	var single HECEvent
	if err := json.Unmarshal(body, &single); err == nil {
		return []HECEvent{single}, nil
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, event)
		if len(events) > r.config.MaxBatchSize {
			return nil, errBatchTooLarge
		}
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("no valid events found")
	}

	return events, nil
}

func writeHEC(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
