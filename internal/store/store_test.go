package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/observability"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetryBackoff = 4 * time.Millisecond
	cfg.AppendTimeout = 100 * time.Millisecond
	return cfg
}

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	s, err := New(context.Background(), backend, testConfig(), zap.NewNop(), observability.NewNopMetrics())
	require.NoError(t, err)
	return s
}

func sampleEvent(fp string, count int64) model.ThreatEvent {
	return model.ThreatEvent{
		Fingerprint:     fp,
		ReporterID:      "device-1",
		ThreatType:      model.ThreatTypeMalware,
		SeverityRaw:     model.SeverityMedium,
		FirstSeenAt:     t0,
		LastSeenAt:      t0.Add(time.Duration(count) * time.Second),
		OccurrenceCount: count,
		Score:           45,
		Status:          model.StatusPending,
	}
}

// flakyBackend fails the first n appends.
type flakyBackend struct {
	Backend
	failures atomic.Int32
	down     atomic.Bool
}

var errUnavailable = errors.New("storage unavailable")

func (f *flakyBackend) Append(ctx context.Context, rec Record) error {
	if f.down.Load() {
		return errUnavailable
	}
	if f.failures.Add(-1) >= 0 {
		return errUnavailable
	}
	return f.Backend.Append(ctx, rec)
}

func (f *flakyBackend) Head(ctx context.Context) (uint64, error) {
	if f.down.Load() {
		return 0, errUnavailable
	}
	return f.Backend.Head(ctx)
}

func (f *flakyBackend) Latest(ctx context.Context, fp string) (Record, bool, error) {
	if f.down.Load() {
		return Record{}, false, errUnavailable
	}
	return f.Backend.Latest(ctx, fp)
}

// =============================================================================
// Append and sequence tests
// =============================================================================

func TestAppend_MonotonicSequence(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx := context.Background()

	var last uint64
	for i := 1; i <= 20; i++ {
		rec, err := s.Append(ctx, KindObserved, sampleEvent(fmt.Sprintf("fp-%d", i%3), int64(i)))
		require.NoError(t, err)
		assert.Greater(t, rec.Sequence, last)
		assert.Equal(t, rec.Sequence, rec.Event.Sequence)
		last = rec.Sequence
	}
	assert.Equal(t, uint64(20), s.Head())
}

func TestAppend_ConcurrentAppendsAreDense(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, KindObserved, sampleEvent(fmt.Sprintf("fp-%d", i), 1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cur := s.ReadFrom(0)
	for want := uint64(1); want <= 50; want++ {
		rec, ok, err := cur.TryNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, rec.Sequence)
	}
}

func TestAppend_NeverOverwritesHistory(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx := context.Background()

	_, err := s.Append(ctx, KindObserved, sampleEvent("fp", 1))
	require.NoError(t, err)
	_, err = s.Append(ctx, KindObserved, sampleEvent("fp", 2))
	require.NoError(t, err)

	cur := s.ReadFrom(0)
	first, _, _ := cur.TryNext(ctx)
	second, _, _ := cur.TryNext(ctx)
	assert.Equal(t, int64(1), first.Event.OccurrenceCount)
	assert.Equal(t, int64(2), second.Event.OccurrenceCount)

	state, ok, err := s.CurrentStateOf(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), state.OccurrenceCount)
	assert.Equal(t, uint64(2), state.Sequence)
}

func TestAppend_RejectsBrokenInvariants(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())

	ev := sampleEvent("fp", 1)
	ev.LastSeenAt = ev.FirstSeenAt.Add(-time.Second)
	_, err := s.Append(context.Background(), KindObserved, ev)
	assert.Error(t, err)
	assert.Equal(t, uint64(0), s.Head())
}

func TestAppend_RetriesTransientFailures(t *testing.T) {
	backend := &flakyBackend{Backend: NewMemoryBackend()}
	backend.failures.Store(2)
	s := newTestStore(t, backend)

	rec, err := s.Append(context.Background(), KindObserved, sampleEvent("fp", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, int64(0), s.ConsecutiveFailures())
}

func TestAppend_FailsClosedAfterRetryCeiling(t *testing.T) {
	backend := &flakyBackend{Backend: NewMemoryBackend()}
	s := newTestStore(t, backend)
	backend.down.Store(true)

	_, err := s.Append(context.Background(), KindObserved, sampleEvent("fp", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAppendFailed))
	assert.True(t, errors.Is(err, errUnavailable))
	assert.Equal(t, uint64(0), s.Head())
	assert.Equal(t, int64(1), s.ConsecutiveFailures())

	// The sequence number is reused once storage recovers.
	backend.down.Store(false)
	rec, err := s.Append(context.Background(), KindObserved, sampleEvent("fp", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, int64(0), s.ConsecutiveFailures())
}

func TestCurrentStateOf_ServesCacheWhileBackendDown(t *testing.T) {
	backend := &flakyBackend{Backend: NewMemoryBackend()}
	s := newTestStore(t, backend)
	ctx := context.Background()

	_, err := s.Append(ctx, KindObserved, sampleEvent("fp", 1))
	require.NoError(t, err)

	backend.down.Store(true)
	ev, ok, err := s.CurrentStateOf(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fp", ev.Fingerprint)

	_, _, err = s.CurrentStateOf(ctx, "uncached")
	assert.Error(t, err)
}

func TestCurrentStateOf_Absent(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	_, ok, err := s.CurrentStateOf(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// Cursor tests
// =============================================================================

func TestReadFrom_NeverYieldsAtOrBelowCursor(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		_, err := s.Append(ctx, KindObserved, sampleEvent(fmt.Sprintf("fp-%d", i), 1))
		require.NoError(t, err)
	}

	cur := s.ReadFrom(7)
	var got []uint64
	for {
		rec, ok, err := cur.TryNext(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, rec.Sequence)
	}
	assert.Equal(t, []uint64{8, 9, 10}, got)
	assert.Equal(t, uint64(10), cur.Position())
}

func TestReadFrom_LiveTail(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cur := s.ReadFrom(0)
	got := make(chan uint64, 3)
	go func() {
		for i := 0; i < 3; i++ {
			rec, err := cur.Next(ctx)
			if err != nil {
				return
			}
			got <- rec.Sequence
		}
	}()

	for i := 1; i <= 3; i++ {
		time.Sleep(5 * time.Millisecond)
		_, err := s.Append(ctx, KindObserved, sampleEvent(fmt.Sprintf("fp-%d", i), 1))
		require.NoError(t, err)
	}

	for want := uint64(1); want <= 3; want++ {
		select {
		case seq := <-got:
			assert.Equal(t, want, seq)
		case <-ctx.Done():
			t.Fatal("timed out waiting for live tail")
		}
	}
}

func TestCursorNext_HonorsCancellation(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.ReadFrom(0).Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBackend_ReadRangeLimit(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, b.Append(ctx, Record{Sequence: i, Event: sampleEvent("fp", int64(i))}))
	}

	recs, err := b.ReadRange(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), recs[0].Sequence)
	assert.Equal(t, uint64(3), recs[1].Sequence)

	err = b.Append(ctx, Record{Sequence: 9, Event: sampleEvent("fp", 1)})
	assert.ErrorIs(t, err, ErrSequenceGap)
}
