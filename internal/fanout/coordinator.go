// Package fanout delivers appended events to every live session whose filter
// matches, in log order, with bounded per-session queues and catch-up from
// the log for sessions that fall behind.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/store"
	"github.com/lvonguyen/threatmesh/internal/subscription"
)

var (
	// ErrSessionClosed is returned for sessions without an open outbox.
	ErrSessionClosed = errors.New("fanout: session closed")

	// ErrCursorAhead is returned when a resume cursor is past the log head.
	ErrCursorAhead = errors.New("fanout: cursor is ahead of the log")
)

// Config holds delivery settings.
type Config struct {
	QueueDepth      int           `yaml:"queue_depth" toml:"queue_depth"`
	MaxAttempts     int           `yaml:"max_attempts" toml:"max_attempts"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" toml:"delivery_timeout"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff" toml:"max_retry_backoff"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:      256,
		MaxAttempts:     5,
		DeliveryTimeout: 5 * time.Second,
		RetryBackoff:    200 * time.Millisecond,
		MaxRetryBackoff: 10 * time.Second,
	}
}

// Sink writes one event to a connected device. A nil error acknowledges it.
type Sink interface {
	Send(ctx context.Context, ev model.ThreatEvent) error
}

// Notifier hears about delivery outcomes that change session state.
type Notifier interface {
	DeliveryAcked(sessionID string, sequence uint64)
	DeliveryExhausted(sessionID string, err error)
}

// SessionSpec describes the outbox to open for a session. Cursor is the last
// sequence number the device already has.
type SessionSpec struct {
	SessionID string
	DeviceID  string
	Filter    model.Filter
	Cursor    uint64
}

// OutboxStatus is a snapshot of one session's delivery state.
type OutboxStatus struct {
	Cursor   uint64          `json:"cursor"`
	Queued   int             `json:"queued"`
	Lagging  bool            `json:"lagging"`
	Attached bool            `json:"attached"`
	Last     *DeliveryRecord `json:"last_delivery,omitempty"`
}

// Coordinator owns one outbox per open session and a dispatcher that tails
// the log and offers each record to the matching outboxes.
type Coordinator struct {
	store    *store.Store
	registry *subscription.Registry
	config   Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	notifier atomic.Pointer[Notifier]

	mu       sync.RWMutex
	outboxes map[string]*outbox

	// offering is the sequence number the dispatcher is currently offering.
	offering atomic.Uint64
}

// NewCoordinator creates a coordinator reading from st and selecting
// sessions through registry.
func NewCoordinator(st *store.Store, registry *subscription.Registry, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Coordinator {
	def := DefaultConfig()
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}

	c := &Coordinator{
		store:    st,
		registry: registry,
		config:   cfg,
		logger:   logger.Named("fanout"),
		metrics:  metrics,
		outboxes: make(map[string]*outbox),
	}
	c.offering.Store(st.Head())
	return c
}

// SetNotifier installs the receiver of delivery outcomes.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier.Store(&n)
}

func (c *Coordinator) notifyAcked(sessionID string, seq uint64) {
	if n := c.notifier.Load(); n != nil {
		(*n).DeliveryAcked(sessionID, seq)
	}
}

func (c *Coordinator) notifyExhausted(sessionID string, err error) {
	if n := c.notifier.Load(); n != nil {
		(*n).DeliveryExhausted(sessionID, err)
	}
}

// Run tails the log from the head seen at construction until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	cur := c.store.ReadFrom(c.offering.Load())
	c.logger.Info("Fanout dispatcher started", zap.Uint64("from", cur.Position()))

	backoff := c.config.RetryBackoff
	for {
		rec, err := cur.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Fanout dispatcher stopped", zap.Uint64("position", cur.Position()))
				return nil
			}
			c.logger.Warn("Failed to read log tail", zap.Uint64("position", cur.Position()), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.config.MaxRetryBackoff)
			continue
		}
		backoff = c.config.RetryBackoff
		c.dispatch(rec)
	}
}

func (c *Coordinator) dispatch(rec store.Record) {
	c.offering.Store(rec.Sequence)

	for _, id := range c.registry.Matches(rec.Event) {
		c.mu.RLock()
		ob := c.outboxes[id]
		c.mu.RUnlock()
		if ob != nil {
			ob.offer(rec)
		}
	}
}

// Open creates the outbox of a session. It starts in catch-up mode from
// spec.Cursor and switches to live delivery once it reaches the head.
func (c *Coordinator) Open(spec SessionSpec) error {
	if head := c.store.Head(); spec.Cursor > head {
		return fmt.Errorf("%w: cursor %d, head %d", ErrCursorAhead, spec.Cursor, head)
	}

	ob := newOutbox(c, spec)
	c.mu.Lock()
	old := c.outboxes[spec.SessionID]
	c.outboxes[spec.SessionID] = ob
	c.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	c.logger.Debug("Outbox opened",
		zap.String("session_id", spec.SessionID),
		zap.String("device_id", spec.DeviceID),
		zap.Uint64("cursor", spec.Cursor))
	return nil
}

// Close discards the outbox of a session and cancels its in-flight delivery.
func (c *Coordinator) Close(sessionID string) {
	c.mu.Lock()
	ob := c.outboxes[sessionID]
	delete(c.outboxes, sessionID)
	c.mu.Unlock()

	if ob != nil {
		ob.shutdown()
		c.logger.Debug("Outbox closed", zap.String("session_id", sessionID))
	}
}

// Attach starts delivering to sink. A non-nil from rewinds the outbox to
// that cursor first. Any previously attached sink is detached.
func (c *Coordinator) Attach(sessionID string, sink Sink, from *uint64) error {
	ob := c.outbox(sessionID)
	if ob == nil {
		return ErrSessionClosed
	}
	if from != nil {
		if head := c.store.Head(); *from > head {
			return fmt.Errorf("%w: cursor %d, head %d", ErrCursorAhead, *from, head)
		}
	}
	return ob.attach(sink, from)
}

// Detach stops delivering to the current sink of a session. Anything not yet
// acknowledged is delivered after the next attach.
func (c *Coordinator) Detach(sessionID string) {
	if ob := c.outbox(sessionID); ob != nil {
		ob.detach(nil)
	}
}

// DetachSink is Detach for a connection that ended, and does nothing if
// another sink has attached since.
func (c *Coordinator) DetachSink(sessionID string, sink Sink) {
	if ob := c.outbox(sessionID); ob != nil {
		ob.detach(sink)
	}
}

// Status returns the delivery state of a session.
func (c *Coordinator) Status(sessionID string) (OutboxStatus, bool) {
	ob := c.outbox(sessionID)
	if ob == nil {
		return OutboxStatus{}, false
	}
	return ob.status(), true
}

// LaggingCount returns the number of outboxes in catch-up mode.
func (c *Coordinator) LaggingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, ob := range c.outboxes {
		if ob.status().Lagging {
			n++
		}
	}
	return n
}

func (c *Coordinator) outbox(sessionID string) *outbox {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outboxes[sessionID]
}
