package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/fanout"
	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/subscription"
)

type fakeOutboxes struct {
	mu     sync.Mutex
	open   map[string]fanout.SessionSpec
	closed []string
}

func (f *fakeOutboxes) Open(spec fanout.SessionSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open == nil {
		f.open = make(map[string]fanout.SessionSpec)
	}
	f.open[spec.SessionID] = spec
	return nil
}

func (f *fakeOutboxes) Close(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, sessionID)
	f.closed = append(f.closed, sessionID)
}

type fixedHead uint64

func (h fixedHead) Head() uint64 { return uint64(h) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newManager(t *testing.T, head uint64) (*Manager, *fakeOutboxes, *subscription.Registry, *clock) {
	t.Helper()
	out := &fakeOutboxes{}
	reg := subscription.NewRegistry()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		GracePeriod:       60 * time.Second,
		SweepInterval:     time.Second,
	}, out, reg, fixedHead(head), zap.NewNop(), observability.NewNopMetrics())
	m.now = clk.Now
	return m, out, reg, clk
}

func cursor(v uint64) *uint64 { return &v }

// =============================================================================
// Registration
// =============================================================================

func TestRegister(t *testing.T) {
	m, out, reg, _ := newManager(t, 42)

	info, err := m.Register(context.Background(), RegisterRequest{
		DeviceID: "laptop-1",
		Filter:   model.Filter{MinScore: 70, Geos: []string{"de"}},
		Platform: PlatformMobile,
		Version:  "2.4.0",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, StateConnecting, info.State)
	assert.Equal(t, uint64(42), info.Cursor, "no cursor starts at the head")
	assert.Equal(t, []string{"DE"}, info.Filter.Geos)

	spec, ok := out.open[info.SessionID]
	require.True(t, ok)
	assert.Equal(t, uint64(42), spec.Cursor)

	entry, ok := reg.Get("laptop-1")
	require.True(t, ok)
	assert.Equal(t, info.SessionID, entry.SessionID)
}

func TestRegister_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		req   RegisterRequest
		field string
	}{
		{"missing device", RegisterRequest{}, "device_id"},
		{"bad filter", RegisterRequest{DeviceID: "d", Filter: model.Filter{MinScore: 101}}, "min_score"},
		{"bad platform", RegisterRequest{DeviceID: "d", Platform: "toaster"}, "platform"},
		{"cursor ahead", RegisterRequest{DeviceID: "d", Cursor: cursor(11)}, "cursor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, reg, _ := newManager(t, 10)
			_, err := m.Register(context.Background(), tt.req)

			var verr *model.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 0, reg.Len())
		})
	}
}

func TestRegister_ResumeCursor(t *testing.T) {
	m, out, _, _ := newManager(t, 105)

	info, err := m.Register(context.Background(), RegisterRequest{DeviceID: "d", Cursor: cursor(100)})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), info.Cursor)
	assert.Equal(t, uint64(100), out.open[info.SessionID].Cursor)

	info, err = m.Register(context.Background(), RegisterRequest{DeviceID: "e", Cursor: cursor(105)})
	require.NoError(t, err)
	assert.Equal(t, uint64(105), info.Cursor, "cursor equal to the head is valid")
}

func TestRegister_SupersedesLiveSession(t *testing.T) {
	m, out, reg, clk := newManager(t, 0)
	ctx := context.Background()

	old, err := m.Register(ctx, RegisterRequest{DeviceID: "d"})
	require.NoError(t, err)
	_, err = m.Heartbeat(old.SessionID)
	require.NoError(t, err)

	cur, err := m.Register(ctx, RegisterRequest{DeviceID: "d"})
	require.NoError(t, err)

	got, err := m.Get(old.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateStale, got.State)

	_, err = m.Heartbeat(old.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "a superseded session cannot be revived")

	entry, _ := reg.Get("d")
	assert.Equal(t, cur.SessionID, entry.SessionID)

	m.sweep(clk.Advance(60 * time.Second))
	_, err = m.Get(old.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Contains(t, out.closed, old.SessionID)

	entry, ok := reg.Get("d")
	require.True(t, ok, "closing the old session leaves the new subscription")
	assert.Equal(t, cur.SessionID, entry.SessionID)
}

// =============================================================================
// Liveness
// =============================================================================

func TestHeartbeatTimeoutAndGrace(t *testing.T) {
	m, out, reg, clk := newManager(t, 0)

	info, err := m.Register(context.Background(), RegisterRequest{DeviceID: "d"})
	require.NoError(t, err)

	hb, err := m.Heartbeat(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, hb.State)

	m.sweep(clk.Advance(90 * time.Second))
	got, _ := m.Get(info.SessionID)
	assert.Equal(t, StateActive, got.State, "exactly the timeout is still alive")

	m.sweep(clk.Advance(time.Second))
	got, _ = m.Get(info.SessionID)
	assert.Equal(t, StateStale, got.State)

	hb, err = m.Heartbeat(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, hb.State, "stale session revives on heartbeat")

	m.sweep(clk.Advance(91 * time.Second))
	m.sweep(clk.Advance(59 * time.Second))
	got, err = m.Get(info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateStale, got.State)

	m.sweep(clk.Advance(time.Second))
	_, err = m.Get(info.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, []string{info.SessionID}, out.closed)
	assert.Equal(t, 0, reg.Len())
}

func TestDisconnect(t *testing.T) {
	m, out, reg, _ := newManager(t, 0)
	ctx := context.Background()

	info, err := m.Register(ctx, RegisterRequest{DeviceID: "d"})
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(info.SessionID))
	assert.ErrorIs(t, m.Disconnect(info.SessionID), ErrSessionNotFound)
	_, err = m.Heartbeat(info.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, []string{info.SessionID}, out.closed)
	assert.Equal(t, 0, reg.Len())

	again, err := m.Register(ctx, RegisterRequest{DeviceID: "d"})
	require.NoError(t, err)
	assert.NotEqual(t, info.SessionID, again.SessionID)
}

// =============================================================================
// Delivery callbacks
// =============================================================================

func TestDeliveryCallbacks(t *testing.T) {
	m, out, _, _ := newManager(t, 5)

	info, err := m.Register(context.Background(), RegisterRequest{DeviceID: "d"})
	require.NoError(t, err)

	m.DeliveryAcked(info.SessionID, 7)
	m.DeliveryAcked(info.SessionID, 6)
	got, _ := m.Get(info.SessionID)
	assert.Equal(t, uint64(7), got.Cursor)
	assert.Equal(t, int64(2), got.DeliveriesAcked)

	m.DeliveryExhausted(info.SessionID, errors.New("write timeout"))
	_, err = m.Get(info.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Contains(t, out.closed, info.SessionID)

	m.DeliveryAcked("unknown", 1)
	m.DeliveryExhausted("unknown", nil)
}

func TestStats(t *testing.T) {
	m, _, _, _ := newManager(t, 0)
	ctx := context.Background()

	a, _ := m.Register(ctx, RegisterRequest{DeviceID: "a", Platform: PlatformSensor})
	b, _ := m.Register(ctx, RegisterRequest{DeviceID: "b", Platform: PlatformSensor})
	_, _ = m.Register(ctx, RegisterRequest{DeviceID: "c"})

	for i := 0; i < 3; i++ {
		_, err := m.RecordReport(a.SessionID, true)
		require.NoError(t, err)
	}
	_, _ = m.RecordReport(b.SessionID, true)
	info, err := m.RecordReport(b.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.ReportsSubmitted)
	assert.Equal(t, int64(1), info.ReportsAccepted)

	st := m.Stats(1)
	assert.Equal(t, 3, st.Live)
	assert.Equal(t, 2, st.ByState[StateActive])
	assert.Equal(t, 1, st.ByState[StateConnecting])
	assert.Equal(t, 2, st.ByPlatform[PlatformSensor])
	assert.Equal(t, 1, st.ByPlatform[PlatformDesktop])
	assert.Equal(t, []ReporterCount{{DeviceID: "a", Accepted: 3}}, st.TopReporters)
}
