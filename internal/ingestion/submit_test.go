package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/codec"
	"github.com/lvonguyen/threatmesh/internal/engine"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/store"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []engine.Submission
	errs map[int]error
}

func (f *fakeSubmitter) Submit(ctx context.Context, sub engine.Submission) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.subs)
	f.subs = append(f.subs, sub)
	if err := f.errs[i]; err != nil {
		return engine.Result{}, err
	}
	return engine.Result{Accepted: true, Sequence: uint64(i + 1)}, nil
}

func TestSubmitHandlerForwardsReports(t *testing.T) {
	sub := &fakeSubmitter{}
	handler := SubmitHandler(sub, zap.NewNop(), observability.NewNopMetrics())

	events := []HECEvent{
		{
			Host:  "ids-7",
			Time:  1767268800.5,
			Event: map[string]any{"threat_type": "port_scan", "severity": "low"},
		},
		{Event: json.RawMessage(`{"threat_type":"malware","reporter_id":"edr-2"}`)},
		{Host: "fw-01", Event: `{"threat_type":"ddos"}`},
	}
	require.NoError(t, handler(context.Background(), events))
	require.Len(t, sub.subs, 3)

	assert.Equal(t, "hec:ids-7", sub.subs[0].ReporterID)
	var first map[string]any
	require.NoError(t, json.Unmarshal(sub.subs[0].Raw, &first))
	assert.Equal(t, "port_scan", first["threat_type"])
	want := time.Date(2026, 1, 1, 12, 0, 0, 500_000_000, time.UTC).Format(time.RFC3339Nano)
	assert.Equal(t, want, first["observed_at"], "HEC time fills observed_at")

	assert.Empty(t, sub.subs[1].ReporterID, "no host leaves the body reporter in charge")
	assert.JSONEq(t, `{"threat_type":"malware","reporter_id":"edr-2"}`, string(sub.subs[1].Raw))

	assert.Equal(t, "hec:fw-01", sub.subs[2].ReporterID)
	assert.Equal(t, `{"threat_type":"ddos"}`, string(sub.subs[2].Raw))
}

func TestSubmitHandlerKeepsObservedAt(t *testing.T) {
	sub := &fakeSubmitter{}
	handler := SubmitHandler(sub, zap.NewNop(), observability.NewNopMetrics())

	err := handler(context.Background(), []HECEvent{{
		Time:  1767268800,
		Event: map[string]any{"observed_at": "2026-01-01T00:00:00Z"},
	}})
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(sub.subs[0].Raw, &body))
	assert.Equal(t, "2026-01-01T00:00:00Z", body["observed_at"])
}

func TestSubmitHandlerErrors(t *testing.T) {
	tests := []struct {
		name      string
		events    []HECEvent
		errs      map[int]error
		wantErr   error
		submitted int
	}{
		{
			name:      "rejection does not stop the batch",
			events:    []HECEvent{{Event: "{}"}, {Event: "{}"}, {Event: "{}"}},
			errs:      map[int]error{1: &codec.Rejection{Code: codec.CodeMissingField, Field: "severity", Message: "required"}},
			wantErr:   ErrInvalidEvent,
			submitted: 3,
		},
		{
			name:      "non-object payload is rejected locally",
			events:    []HECEvent{{Event: 42.0}, {Event: "{}"}},
			wantErr:   ErrInvalidEvent,
			submitted: 1,
		},
		{
			name:      "degraded stops the batch",
			events:    []HECEvent{{Event: "{}"}, {Event: "{}"}, {Event: "{}"}},
			errs:      map[int]error{1: engine.ErrDegraded},
			wantErr:   ErrBusy,
			submitted: 2,
		},
		{
			name:      "append failure is retryable",
			events:    []HECEvent{{Event: "{}"}},
			errs:      map[int]error{0: fmt.Errorf("%w: timeout", store.ErrAppendFailed)},
			wantErr:   ErrBusy,
			submitted: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{errs: tt.errs}
			handler := SubmitHandler(sub, zap.NewNop(), observability.NewNopMetrics())

			err := handler(context.Background(), tt.events)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Len(t, sub.subs, tt.submitted)
		})
	}
}
