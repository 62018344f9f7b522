package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/observability"
)

const testToken = "test-token"

func newTestReceiver(config ReceiverConfig, handler EventHandler) *HECReceiver {
	if config.TokenEnv == "" {
		config.TokenEnv = "TEST_HEC_TOKEN"
	}
	return NewHECReceiver(config, handler, zap.NewNop(), observability.NewNopMetrics())
}

func authedRequest(path string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Splunk "+testToken)
	return req
}

// =============================================================================
// Token Tests
// =============================================================================

// TestValidateToken_EmptyTokenFailsClosed verifies that a receiver without a
// configured token refuses every request.
func TestValidateToken_EmptyTokenFailsClosed(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "")
	receiver := newTestReceiver(ReceiverConfig{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/services/collector/event", nil)
	req.Header.Set("Authorization", "Splunk some-token")

	if receiver.validateToken(req) {
		t.Error("validateToken should return false when token env var is empty")
	}
}

// TestValidateToken_QueryParamRejected verifies that tokens passed via query
// parameter are not accepted.
func TestValidateToken_QueryParamRejected(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	receiver := newTestReceiver(ReceiverConfig{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/services/collector/event?token="+testToken, nil)

	if receiver.validateToken(req) {
		t.Error("validateToken should reject tokens passed via query parameter")
	}
}

func TestValidateToken_HeaderAuthWorks(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	receiver := newTestReceiver(ReceiverConfig{}, nil)

	if !receiver.validateToken(authedRequest("/services/collector/event", nil)) {
		t.Error("validateToken should accept valid token in Authorization header")
	}
}

func TestValidateToken_InvalidHeaderRejected(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	receiver := newTestReceiver(ReceiverConfig{}, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"empty header", ""},
		{"wrong prefix", "Bearer " + testToken},
		{"no prefix", testToken},
		{"wrong token", "Splunk wrong-token"},
		{"token prefix only", "Splunk " + testToken[:4]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/services/collector/event", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			if receiver.validateToken(req) {
				t.Errorf("validateToken should reject header: %q", tt.header)
			}
		})
	}
}

// =============================================================================
// Raw Endpoint Tests
// =============================================================================

// TestHandleRaw_ErrorHandling verifies that handler errors on the raw
// endpoint reach the sender and count as dropped.
func TestHandleRaw_ErrorHandling(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)

	handlerCalled := false
	receiver := newTestReceiver(ReceiverConfig{}, func(ctx context.Context, events []HECEvent) error {
		handlerCalled = true
		return errors.New("processing failed")
	})

	rr := httptest.NewRecorder()
	receiver.handleRaw(rr, authedRequest("/services/collector/raw", []byte(`{"threat_type":"port_scan"}`)))

	if !handlerCalled {
		t.Error("handler should have been called")
	}
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
	if stats := receiver.Stats(); stats.EventsDropped != 1 {
		t.Errorf("expected EventsDropped=1, got %d", stats.EventsDropped)
	}
}

// TestHandleRaw_OneReportPerLine verifies that the raw body is split on
// newlines and query parameters become event metadata.
func TestHandleRaw_OneReportPerLine(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)

	var received []HECEvent
	receiver := newTestReceiver(ReceiverConfig{}, func(ctx context.Context, events []HECEvent) error {
		received = events
		return nil
	})

	body := []byte("{\"a\":1}\n\n{\"b\":2}\n")
	rr := httptest.NewRecorder()
	receiver.handleRaw(rr, authedRequest("/services/collector/raw?host=fw-01&sourcetype=ids", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[1].Host != "fw-01" || received[1].SourceType != "ids" {
		t.Errorf("query metadata not applied: %+v", received[1])
	}

	stats := receiver.Stats()
	if stats.EventsReceived != 2 {
		t.Errorf("expected EventsReceived=2, got %d", stats.EventsReceived)
	}
	if stats.BytesReceived != int64(len(body)) {
		t.Errorf("expected BytesReceived=%d, got %d", len(body), stats.BytesReceived)
	}
}

func TestHandleRaw_EmptyBody(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	receiver := newTestReceiver(ReceiverConfig{}, nil)

	rr := httptest.NewRecorder()
	receiver.handleRaw(rr, authedRequest("/services/collector/raw", []byte("\n  \n")))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

// =============================================================================
// Parsing Tests
// =============================================================================

// TestParseEvents_MaxBatchSizeEnforced verifies that batches exceeding
// MaxBatchSize are rejected.
func TestParseEvents_MaxBatchSizeEnforced(t *testing.T) {
	receiver := newTestReceiver(ReceiverConfig{MaxBatchSize: 5}, nil)

	var events []string
	for i := 0; i < 10; i++ {
		events = append(events, `{"event":"test"}`)
	}

	_, err := receiver.parseEvents([]byte(strings.Join(events, "\n")))
	if err == nil {
		t.Fatal("parseEvents should return error when batch exceeds MaxBatchSize")
	}
	if !strings.Contains(err.Error(), "batch exceeds maximum size") {
		t.Errorf("error should mention batch size limit, got: %v", err)
	}
}

func TestParseEvents_WithinLimitSucceeds(t *testing.T) {
	receiver := newTestReceiver(ReceiverConfig{MaxBatchSize: 10}, nil)

	var events []string
	for i := 0; i < 5; i++ {
		events = append(events, `{"event":"test"}`)
	}

	parsed, err := receiver.parseEvents([]byte(strings.Join(events, "\n")))
	if err != nil {
		t.Fatalf("parseEvents should succeed for batch within limit: %v", err)
	}
	if len(parsed) != 5 {
		t.Errorf("expected 5 events, got %d", len(parsed))
	}
}

// TestParseEvents_SingleEvent verifies that a single JSON event is accepted
// regardless of MaxBatchSize.
func TestParseEvents_SingleEvent(t *testing.T) {
	receiver := newTestReceiver(ReceiverConfig{MaxBatchSize: 1}, nil)

	parsed, err := receiver.parseEvents([]byte(`{"event":{"threat_type":"malware"},"host":"testhost"}`))
	if err != nil {
		t.Fatalf("parseEvents should succeed for single event: %v", err)
	}
	if len(parsed) != 1 {
		t.Fatalf("expected 1 event, got %d", len(parsed))
	}
	if parsed[0].Host != "testhost" {
		t.Errorf("expected host=testhost, got %s", parsed[0].Host)
	}
	if _, ok := parsed[0].Event.(map[string]any); !ok {
		t.Errorf("expected object payload, got %T", parsed[0].Event)
	}
}

// =============================================================================
// Event Endpoint Tests
// =============================================================================

func TestHandleEvent_AuthFailure(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	receiver := newTestReceiver(ReceiverConfig{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/services/collector/event", bytes.NewReader([]byte(`{"event":"test"}`)))
	rr := httptest.NewRecorder()
	receiver.handleEvent(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if response["code"] != float64(4) {
		t.Errorf("expected HEC error code 4 (invalid token), got %v", response["code"])
	}
}

func TestHandleEvent_Success(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)

	var receivedEvents []HECEvent
	receiver := newTestReceiver(ReceiverConfig{}, func(ctx context.Context, events []HECEvent) error {
		receivedEvents = events
		return nil
	})

	rr := httptest.NewRecorder()
	receiver.handleEvent(rr, authedRequest("/services/collector/event", []byte(`{"event":"test data","host":"myhost"}`)))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if len(receivedEvents) != 1 {
		t.Fatalf("expected 1 event, got %d", len(receivedEvents))
	}
	if receivedEvents[0].Host != "myhost" {
		t.Errorf("expected host=myhost, got %s", receivedEvents[0].Host)
	}
}

// TestHandleEvent_HandlerErrorMapping verifies that handler errors map to
// HEC statuses senders know how to react to.
func TestHandleEvent_HandlerErrorMapping(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)

	tests := []struct {
		name   string
		err    error
		status int
		code   float64
	}{
		{"invalid event", fmt.Errorf("%w: event 0: bad", ErrInvalidEvent), http.StatusBadRequest, 6},
		{"busy", fmt.Errorf("%w: degraded", ErrBusy), http.StatusServiceUnavailable, 9},
		{"other", errors.New("boom"), http.StatusInternalServerError, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receiver := newTestReceiver(ReceiverConfig{}, func(ctx context.Context, events []HECEvent) error {
				return tt.err
			})

			rr := httptest.NewRecorder()
			receiver.handleEvent(rr, authedRequest("/services/collector/event", []byte(`{"event":"x"}`)))

			if rr.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rr.Code)
			}
			var response map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
				t.Fatalf("response is not JSON: %v", err)
			}
			if response["code"] != tt.code {
				t.Errorf("expected HEC code %v, got %v", tt.code, response["code"])
			}
		})
	}
}

func TestHandleEvent_OversizedBody(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)

	called := false
	receiver := newTestReceiver(ReceiverConfig{MaxEventSize: 16}, func(ctx context.Context, events []HECEvent) error {
		called = true
		return nil
	})

	rr := httptest.NewRecorder()
	receiver.handleEvent(rr, authedRequest("/services/collector/event", []byte(`{"event":"this body is too long"}`)))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rr.Code)
	}
	if called {
		t.Error("handler should not see a truncated body")
	}
}

func TestRoutes(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	router := newTestReceiver(ReceiverConfig{}, nil).Routes()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/services/collector/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected health 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest("/services/collector", []byte(`{"event":"x"}`)))
	if rr.Code != http.StatusOK {
		t.Errorf("expected collector 200, got %d", rr.Code)
	}
}

// =============================================================================
// Stats Accuracy Tests
// =============================================================================

func TestReceiverStats_Concurrent(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	receiver := newTestReceiver(ReceiverConfig{}, func(ctx context.Context, events []HECEvent) error {
		return nil
	})

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			rr := httptest.NewRecorder()
			receiver.handleEvent(rr, authedRequest("/services/collector/event", []byte(`{"event":"test"}`)))
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}

	if stats := receiver.Stats(); stats.EventsReceived != 100 {
		t.Errorf("expected EventsReceived=100, got %d", stats.EventsReceived)
	}
}
