package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lvonguyen/threatmesh/internal/model"
)

// senderBackoff is the wait before the first retry; it doubles per attempt.
const senderBackoff = time.Second

// HECSender forwards threat events to a Splunk HEC endpoint.
type HECSender struct {
	config     SenderConfig
	token      string
	httpClient *http.Client
	mu         sync.RWMutex
	stats      SenderStats
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	HECURL     string        `yaml:"hec_url" toml:"hec_url"`
	TokenEnv   string        `yaml:"token_env" toml:"token_env"`
	Index      string        `yaml:"index" toml:"index"`
	SourceType string        `yaml:"sourcetype" toml:"sourcetype"`
	Source     string        `yaml:"source" toml:"source"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
	RetryCount int           `yaml:"retry_count" toml:"retry_count"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:   "THREATMESH_HEC_TOKEN_OUTBOUND",
		Index:      "threatmesh",
		SourceType: "threatmesh:event",
		Source:     "threatmesh",
		Timeout:    30 * time.Second,
		RetryCount: 3,
	}
}

// SenderStats tracks sender metrics.
type SenderStats struct {
	EventsSent   int64
	EventsFailed int64
	BytesSent    int64
	LastSendAt   time.Time
}

// NewHECSender creates a sender. The token is read from config.TokenEnv.
func NewHECSender(config SenderConfig) (*HECSender, error) {
	if config.HECURL == "" {
		return nil, errors.New("HEC URL is required")
	}
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}
	if config.RetryCount < 0 {
		config.RetryCount = 0
	}

	return &HECSender{
		config:     config,
		token:      token,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Send forwards a single event.
func (s *HECSender) Send(ctx context.Context, ev model.ThreatEvent) error {
	return s.SendBatch(ctx, []model.ThreatEvent{ev})
}

// SendBatch forwards events as one newline-delimited request.
func (s *HECSender) SendBatch(ctx context.Context, events []model.ThreatEvent) error {
	if len(events) == 0 {
		return nil
	}

	payload, err := s.encode(events)
	if err != nil {
		return err
	}
	if err := s.deliver(ctx, payload); err != nil {
		s.mu.Lock()
		s.stats.EventsFailed += int64(len(events))
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(len(events))
	s.stats.BytesSent += int64(len(payload))
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()
	return nil
}

// encode wraps each event in a HEC envelope. The target becomes the HEC
// host so Splunk searches group by attacked asset.
func (s *HECSender) encode(events []model.ThreatEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		err := enc.Encode(HECEvent{
			Time:       float64(ev.LastSeenAt.UnixMilli()) / 1000,
			Host:       ev.TargetID,
			Source:     s.config.Source,
			SourceType: s.config.SourceType,
			Index:      s.config.Index,
			Event:      ev,
			Fields: map[string]any{
				"threat_type": string(ev.ThreatType),
				"score":       ev.Score,
				"status":      string(ev.Status),
				"sequence":    ev.Sequence,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", ev.Fingerprint, err)
		}
	}
	return buf.Bytes(), nil
}

// permanentError is a collector answer that retrying cannot change.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// deliver posts payload, retrying transient failures with exponential
// backoff starting at senderBackoff.
func (s *HECSender) deliver(ctx context.Context, payload []byte) error {
	wait := senderBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = s.post(ctx, payload)
		var perm *permanentError
		if err == nil || errors.As(err, &perm) || attempt >= s.config.RetryCount {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	if err != nil {
		return fmt.Errorf("HEC delivery failed after %d attempt(s): %w", s.config.RetryCount+1, err)
	}
	return nil
}

// hecAck is the collector's response body.
type hecAck struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

// post performs one request. 4xx answers other than 429 are permanent.
func (s *HECSender) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/services/collector/event"), bytes.NewReader(payload))
	if err != nil {
		return &permanentError{err}
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{fmt.Errorf("HEC returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))}
	default:
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var ack hecAck
	if json.Unmarshal(body, &ack) == nil && ack.Code != 0 {
		return fmt.Errorf("HEC rejected batch: code %d: %s", ack.Code, ack.Text)
	}
	return nil
}

func (s *HECSender) endpoint(path string) string {
	return strings.TrimSuffix(s.config.HECURL, "/") + path
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck asks the collector whether it accepts events.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("/services/collector/health"), nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC health check failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HEC health check returned status %d", resp.StatusCode)
	}
	return nil
}
