// Package session tracks device sessions through
// connecting -> active -> stale -> closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/fanout"
	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/subscription"
)

// ErrSessionNotFound is returned for unknown, closed or superseded sessions.
var ErrSessionNotFound = errors.New("session: not found")

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateStale      State = "stale"
	StateClosed     State = "closed"
)

// Platform is the kind of device behind a session.
type Platform string

const (
	PlatformDesktop Platform = "desktop"
	PlatformMobile  Platform = "mobile"
	PlatformServer  Platform = "server"
	PlatformSensor  Platform = "sensor"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformDesktop, PlatformMobile, PlatformServer, PlatformSensor:
		return true
	}
	return false
}

// Teardown and transition reasons.
const (
	ReasonRegistered       = "registered"
	ReasonActivity         = "activity"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSuperseded       = "superseded"
	ReasonGraceExpired     = "grace_expired"
	ReasonDisconnect       = "disconnect"
	ReasonDeliveryFailed   = "delivery_failed"
)

const shardCount = 32

// Config holds liveness settings.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	GracePeriod       time.Duration `yaml:"grace_period" toml:"grace_period"`
	SweepInterval     time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		GracePeriod:       60 * time.Second,
		SweepInterval:     5 * time.Second,
	}
}

// Outboxes opens and closes per-session delivery.
type Outboxes interface {
	Open(spec fanout.SessionSpec) error
	Close(sessionID string)
}

// HeadReader reports the last committed log sequence.
type HeadReader interface {
	Head() uint64
}

// RegisterRequest is the input of Register. A nil Cursor starts delivery at
// the current head of the log.
type RegisterRequest struct {
	DeviceID string       `json:"device_id"`
	Filter   model.Filter `json:"filter"`
	Platform Platform     `json:"platform"`
	Version  string       `json:"version"`
	Cursor   *uint64      `json:"cursor,omitempty"`
}

// Info is a snapshot of one session.
type Info struct {
	SessionID        string       `json:"session_id"`
	DeviceID         string       `json:"device_id"`
	Platform         Platform     `json:"platform"`
	Version          string       `json:"version,omitempty"`
	Filter           model.Filter `json:"filter"`
	State            State        `json:"state"`
	Cursor           uint64       `json:"cursor"`
	CreatedAt        time.Time    `json:"created_at"`
	LastSeenAt       time.Time    `json:"last_seen_at"`
	ReportsSubmitted int64        `json:"reports_submitted"`
	ReportsAccepted  int64        `json:"reports_accepted"`
	DeliveriesAcked  int64        `json:"deliveries_acked"`
}

// ReporterCount is one row of the top reporters table.
type ReporterCount struct {
	DeviceID string `json:"device_id"`
	Accepted int64  `json:"accepted"`
}

// Stats summarizes live sessions.
type Stats struct {
	Live         int              `json:"live"`
	ByState      map[State]int    `json:"by_state"`
	ByPlatform   map[Platform]int `json:"by_platform"`
	TopReporters []ReporterCount  `json:"top_reporters"`
}

type session struct {
	mu         sync.Mutex
	info       Info
	staleSince time.Time
}

type shard struct {
	mu      sync.Mutex
	devices map[string]*session
}

// Manager owns every session. Sessions are sharded by device id; each shard
// holds the current session of its devices.
type Manager struct {
	config   Config
	outboxes Outboxes
	registry *subscription.Registry
	log      HeadReader
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	shards [shardCount]shard
	byID   sync.Map // session id -> *session
}

// NewManager creates a session manager.
func NewManager(cfg Config, outboxes Outboxes, registry *subscription.Registry, log HeadReader, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	m := &Manager{
		config:   cfg,
		outboxes: outboxes,
		registry: registry,
		log:      log,
		logger:   logger.Named("session"),
		metrics:  metrics,
		now:      time.Now,
	}
	for i := range m.shards {
		m.shards[i].devices = make(map[string]*session)
	}
	return m
}

// Config returns the liveness settings in effect.
func (m *Manager) Config() Config {
	return m.config
}

func (m *Manager) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &m.shards[h.Sum32()%shardCount]
}

// Register opens a session for a device. A live session of the same device
// is superseded: it turns stale at once and closes when its grace period
// runs out.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (Info, error) {
	if req.DeviceID == "" {
		return Info{}, &model.ValidationError{Field: "device_id", Message: "is required"}
	}
	filter, err := req.Filter.Validate()
	if err != nil {
		return Info{}, err
	}
	if req.Platform == "" {
		req.Platform = PlatformDesktop
	}
	if !req.Platform.Valid() {
		return Info{}, &model.ValidationError{Field: "platform", Message: fmt.Sprintf("unknown platform %q", req.Platform)}
	}

	head := m.log.Head()
	cursor := head
	if req.Cursor != nil {
		if *req.Cursor > head {
			return Info{}, &model.ValidationError{Field: "cursor", Message: fmt.Sprintf("cursor %d is ahead of the log head %d", *req.Cursor, head)}
		}
		cursor = *req.Cursor
	}

	now := m.now().UTC()
	s := &session{info: Info{
		SessionID:  uuid.NewString(),
		DeviceID:   req.DeviceID,
		Platform:   req.Platform,
		Version:    req.Version,
		Filter:     filter,
		State:      StateConnecting,
		Cursor:     cursor,
		CreatedAt:  now,
		LastSeenAt: now,
	}}

	sh := m.shardFor(req.DeviceID)
	sh.mu.Lock()
	err = m.outboxes.Open(fanout.SessionSpec{
		SessionID: s.info.SessionID,
		DeviceID:  req.DeviceID,
		Filter:    filter,
		Cursor:    cursor,
	})
	if err != nil {
		sh.mu.Unlock()
		return Info{}, fmt.Errorf("failed to open outbox: %w", err)
	}

	prev := sh.devices[req.DeviceID]
	sh.devices[req.DeviceID] = s
	m.byID.Store(s.info.SessionID, s)
	m.registry.Put(subscription.Entry{DeviceID: req.DeviceID, SessionID: s.info.SessionID, Filter: filter})
	sh.mu.Unlock()

	m.metrics.Sessions.WithLabelValues(string(StateConnecting)).Inc()
	m.metrics.SessionTransitions.WithLabelValues(string(StateConnecting), ReasonRegistered).Inc()

	if prev != nil {
		prev.mu.Lock()
		if prev.info.State != StateStale && prev.info.State != StateClosed {
			m.transitionLocked(prev, StateStale, ReasonSuperseded, now)
		}
		prev.mu.Unlock()
	}

	m.logger.Info("Session registered",
		zap.String("session_id", s.info.SessionID),
		zap.String("device_id", req.DeviceID),
		zap.String("platform", string(req.Platform)),
		zap.Uint64("cursor", cursor),
		zap.Bool("resumed", req.Cursor != nil))
	return s.snapshot(), nil
}

// transitionLocked moves s to state. Called with s.mu held.
func (m *Manager) transitionLocked(s *session, to State, reason string, now time.Time) {
	from := s.info.State
	if from == to {
		return
	}
	s.info.State = to
	if to == StateStale {
		s.staleSince = now
	}
	m.metrics.Sessions.WithLabelValues(string(from)).Dec()
	if to != StateClosed {
		m.metrics.Sessions.WithLabelValues(string(to)).Inc()
	}
	m.metrics.SessionTransitions.WithLabelValues(string(to), reason).Inc()
	m.logger.Debug("Session transition",
		zap.String("session_id", s.info.SessionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
}

func (s *session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	return info
}

// lookup returns a session that is the current one of its device.
func (m *Manager) lookup(sessionID string) (*session, error) {
	v, ok := m.byID.Load(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return v.(*session), nil
}

func (m *Manager) isCurrent(s *session) bool {
	sh := m.shardFor(s.info.DeviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.devices[s.info.DeviceID] == s
}

// touch records device activity and revives a stale session that is still
// the current one of its device.
func (m *Manager) touch(sessionID string, fn func(*session)) (Info, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	current := m.isCurrent(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.State == StateClosed || (s.info.State == StateStale && !current) {
		return Info{}, ErrSessionNotFound
	}
	now := m.now().UTC()
	s.info.LastSeenAt = now
	m.transitionLocked(s, StateActive, ReasonActivity, now)
	if fn != nil {
		fn(s)
	}
	return s.info, nil
}

// Heartbeat marks a session alive.
func (m *Manager) Heartbeat(sessionID string) (Info, error) {
	return m.touch(sessionID, nil)
}

// Activate marks a session active when its device attaches a stream.
func (m *Manager) Activate(sessionID string) (Info, error) {
	return m.touch(sessionID, nil)
}

// RecordReport counts a report submitted through a session.
func (m *Manager) RecordReport(sessionID string, accepted bool) (Info, error) {
	return m.touch(sessionID, func(s *session) {
		s.info.ReportsSubmitted++
		if accepted {
			s.info.ReportsAccepted++
		}
	})
}

// Get returns a snapshot of a session.
func (m *Manager) Get(sessionID string) (Info, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	return s.snapshot(), nil
}

// Disconnect closes a session at the device's request.
func (m *Manager) Disconnect(sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	m.teardown(s, ReasonDisconnect)
	return nil
}

// DeliveryAcked advances the delivery cursor of a session.
func (m *Manager) DeliveryAcked(sessionID string, sequence uint64) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	if sequence > s.info.Cursor {
		s.info.Cursor = sequence
	}
	s.info.DeliveriesAcked++
	s.mu.Unlock()
}

// DeliveryExhausted tears down a session whose device stopped accepting
// deliveries.
func (m *Manager) DeliveryExhausted(sessionID string, err error) {
	s, lerr := m.lookup(sessionID)
	if lerr != nil {
		return
	}
	m.logger.Warn("Session presumed disconnected", zap.String("session_id", sessionID), zap.Error(err))
	m.teardown(s, ReasonDeliveryFailed)
}

func (m *Manager) teardown(s *session, reason string) {
	s.mu.Lock()
	if s.info.State == StateClosed {
		s.mu.Unlock()
		return
	}
	m.transitionLocked(s, StateClosed, reason, m.now().UTC())
	id, deviceID := s.info.SessionID, s.info.DeviceID
	s.mu.Unlock()

	sh := m.shardFor(deviceID)
	sh.mu.Lock()
	if sh.devices[deviceID] == s {
		delete(sh.devices, deviceID)
	}
	m.registry.Remove(deviceID, id)
	sh.mu.Unlock()

	m.byID.Delete(id)
	m.outboxes.Close(id)

	m.logger.Info("Session closed",
		zap.String("session_id", id),
		zap.String("device_id", deviceID),
		zap.String("reason", reason))
}

// Run sweeps for expired sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("Session sweeper started",
		zap.Duration("heartbeat_timeout", m.config.HeartbeatTimeout),
		zap.Duration("grace_period", m.config.GracePeriod))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.now().UTC())
		}
	}
}

// sweep applies heartbeat timeouts and grace expiry as of now.
func (m *Manager) sweep(now time.Time) {
	var expired []*session
	m.byID.Range(func(_, v any) bool {
		s := v.(*session)
		s.mu.Lock()
		switch s.info.State {
		case StateConnecting, StateActive:
			if now.Sub(s.info.LastSeenAt) > m.config.HeartbeatTimeout {
				m.transitionLocked(s, StateStale, ReasonHeartbeatTimeout, now)
			}
		case StateStale:
			if now.Sub(s.staleSince) >= m.config.GracePeriod {
				expired = append(expired, s)
			}
		}
		s.mu.Unlock()
		return true
	})

	for _, s := range expired {
		m.teardown(s, ReasonGraceExpired)
	}
}

// Len returns the number of sessions not yet closed.
func (m *Manager) Len() int {
	n := 0
	m.byID.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats summarizes live sessions. TopReporters lists at most limit devices
// by accepted reports.
func (m *Manager) Stats(limit int) Stats {
	st := Stats{
		ByState:    make(map[State]int),
		ByPlatform: make(map[Platform]int),
	}
	m.byID.Range(func(_, v any) bool {
		info := v.(*session).snapshot()
		st.Live++
		st.ByState[info.State]++
		st.ByPlatform[info.Platform]++
		if info.ReportsAccepted > 0 {
			st.TopReporters = append(st.TopReporters, ReporterCount{DeviceID: info.DeviceID, Accepted: info.ReportsAccepted})
		}
		return true
	})

	sort.Slice(st.TopReporters, func(i, j int) bool {
		a, b := st.TopReporters[i], st.TopReporters[j]
		if a.Accepted != b.Accepted {
			return a.Accepted > b.Accepted
		}
		return a.DeviceID < b.DeviceID
	})
	if limit > 0 && len(st.TopReporters) > limit {
		st.TopReporters = st.TopReporters[:limit]
	}
	return st
}
