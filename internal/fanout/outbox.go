package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/store"
)

// DeliveryState is the state of one (event, session) delivery.
type DeliveryState string

const (
	StateQueued    DeliveryState = "queued"
	StateSent      DeliveryState = "sent"
	StateAcked     DeliveryState = "acked"
	StateFailed    DeliveryState = "failed"
	StateAbandoned DeliveryState = "abandoned"
)

// DeliveryRecord tracks one delivery through
// queued -> sent -> acked, or sent -> failed -> sent ... -> abandoned.
type DeliveryRecord struct {
	SessionID   string        `json:"session_id"`
	Sequence    uint64        `json:"sequence"`
	Fingerprint string        `json:"fingerprint"`
	State       DeliveryState `json:"state"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// outbox is the delivery queue of one session. While lagging, the dispatcher
// skips it and the drain loop reads the log from cursor instead.
type outbox struct {
	c     *Coordinator
	spec  SessionSpec
	queue chan store.Record

	mu      sync.Mutex
	cursor  uint64 // last acknowledged sequence
	high    uint64 // last sequence delivered or queued
	lagging bool
	closed  bool
	last    *DeliveryRecord
	sink    Sink
	cancel  context.CancelFunc
	done    chan struct{}

	// runMu serializes attach and detach.
	runMu sync.Mutex
}

func newOutbox(c *Coordinator, spec SessionSpec) *outbox {
	c.metrics.LaggingSessions.Inc()
	return &outbox{
		c:       c,
		spec:    spec,
		queue:   make(chan store.Record, c.config.QueueDepth),
		cursor:  spec.Cursor,
		high:    spec.Cursor,
		lagging: true,
	}
}

// offer is called by the dispatcher and never blocks.
func (o *outbox) offer(rec store.Record) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.lagging || rec.Sequence <= o.high {
		return
	}
	select {
	case o.queue <- rec:
		o.high = rec.Sequence
		o.c.metrics.Deliveries.WithLabelValues(string(StateQueued)).Inc()
	default:
		o.setLaggingLocked(true)
		o.c.logger.Warn("Session queue full, switching to catch-up",
			zap.String("session_id", o.spec.SessionID),
			zap.Uint64("cursor", o.cursor),
			zap.Uint64("sequence", rec.Sequence))
	}
}

func (o *outbox) setLaggingLocked(v bool) {
	if o.lagging == v {
		return
	}
	o.lagging = v
	if v {
		o.c.metrics.LaggingSessions.Inc()
	} else {
		o.c.metrics.LaggingSessions.Dec()
	}
}

func (o *outbox) flushLocked() {
	for {
		select {
		case <-o.queue:
		default:
			return
		}
	}
}

// rewind drops queued work and falls back to catch-up from the last
// acknowledged sequence.
func (o *outbox) rewind() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.flushLocked()
	o.high = o.cursor
	o.setLaggingLocked(true)
}

func (o *outbox) attach(sink Sink, from *uint64) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.stopRun()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrSessionClosed
	}
	if from != nil {
		o.flushLocked()
		o.cursor = *from
		o.high = *from
		o.setLaggingLocked(true)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.cancel, o.done = cancel, done
	o.sink = sink
	o.mu.Unlock()

	go func() {
		defer close(done)
		o.run(ctx, sink)
	}()
	return nil
}

// detach stops the drain loop. A non-nil sink only detaches if it is still
// the attached one.
func (o *outbox) detach(sink Sink) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if sink != nil {
		o.mu.Lock()
		current := o.sink == sink
		o.mu.Unlock()
		if !current {
			return
		}
	}
	o.stopRun()
}

// stopRun cancels the drain loop and waits for it to exit.
func (o *outbox) stopRun() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done, o.sink = nil, nil, nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// shutdown closes the outbox without waiting for the drain loop, which may
// be the caller.
func (o *outbox) shutdown() {
	o.mu.Lock()
	o.closed = true
	o.flushLocked()
	o.setLaggingLocked(false)
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (o *outbox) isLagging() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lagging
}

func (o *outbox) status() OutboxStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	attached := false
	if o.done != nil {
		select {
		case <-o.done:
		default:
			attached = true
		}
	}
	st := OutboxStatus{
		Cursor:   o.cursor,
		Queued:   len(o.queue),
		Lagging:  o.lagging,
		Attached: attached,
	}
	if o.last != nil {
		last := *o.last
		st.Last = &last
	}
	return st
}

func (o *outbox) run(ctx context.Context, sink Sink) {
	for ctx.Err() == nil {
		select {
		case rec := <-o.queue:
			if !o.deliver(ctx, sink, rec) {
				return
			}
			continue
		default:
		}

		if o.isLagging() {
			if !o.catchUp(ctx, sink) {
				return
			}
			continue
		}

		select {
		case rec := <-o.queue:
			if !o.deliver(ctx, sink, rec) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// catchUp replays the log after the last acknowledged sequence through the
// session filter, then rejoins live delivery once nothing the dispatcher
// has offered lies beyond the replay position.
func (o *outbox) catchUp(ctx context.Context, sink Sink) bool {
	o.c.metrics.CatchUps.Inc()

	o.mu.Lock()
	o.flushLocked()
	o.high = o.cursor
	from := o.cursor
	o.mu.Unlock()

	o.c.logger.Debug("Catching up from log",
		zap.String("session_id", o.spec.SessionID),
		zap.Uint64("cursor", from))

	cur := o.c.store.ReadFrom(from)
	backoff := o.c.config.RetryBackoff
	for {
		rec, ok, err := cur.TryNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			o.c.logger.Warn("Catch-up read failed",
				zap.String("session_id", o.spec.SessionID),
				zap.Uint64("position", cur.Position()),
				zap.Error(err))
			if !sleep(ctx, backoff) {
				return false
			}
			backoff = min(backoff*2, o.c.config.MaxRetryBackoff)
			continue
		}

		if !ok {
			o.mu.Lock()
			if o.c.offering.Load() <= cur.Position() {
				o.high = cur.Position()
				o.setLaggingLocked(false)
				o.mu.Unlock()
				return true
			}
			o.mu.Unlock()
			continue
		}

		if !o.spec.Filter.Matches(rec.Event) {
			continue
		}
		if !o.deliver(ctx, sink, rec) {
			return false
		}
	}
}

// deliver sends one record with bounded retries. It returns false when the
// drain loop must stop: the sink was detached, the session closed or the
// attempts ran out.
func (o *outbox) deliver(ctx context.Context, sink Sink, rec store.Record) bool {
	cfg := o.c.config
	ev := rec.Event
	ev.Sequence = rec.Sequence

	dr := DeliveryRecord{
		SessionID:   o.spec.SessionID,
		Sequence:    rec.Sequence,
		Fingerprint: ev.Fingerprint,
		State:       StateQueued,
	}

	backoff := cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		dr.Attempts = attempt
		o.track(&dr, StateSent, nil)
		o.c.metrics.Deliveries.WithLabelValues(string(StateSent)).Inc()

		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
		err := sink.Send(actx, ev)
		cancel()
		o.c.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			o.mu.Lock()
			if rec.Sequence > o.cursor {
				o.cursor = rec.Sequence
			}
			o.mu.Unlock()
			o.track(&dr, StateAcked, nil)
			o.c.metrics.Deliveries.WithLabelValues(string(StateAcked)).Inc()
			o.c.notifyAcked(o.spec.SessionID, rec.Sequence)
			return true
		}

		if ctx.Err() != nil {
			o.rewind()
			return false
		}

		lastErr = err
		o.track(&dr, StateFailed, err)
		o.c.metrics.Deliveries.WithLabelValues(string(StateFailed)).Inc()
		o.c.logger.Warn("Delivery attempt failed",
			zap.String("session_id", o.spec.SessionID),
			zap.Uint64("sequence", rec.Sequence),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == cfg.MaxAttempts {
			break
		}
		if !sleep(ctx, backoff) {
			o.rewind()
			return false
		}
		backoff = min(backoff*2, cfg.MaxRetryBackoff)
	}

	o.track(&dr, StateAbandoned, lastErr)
	o.c.metrics.Deliveries.WithLabelValues(string(StateAbandoned)).Inc()
	o.c.logger.Error("Delivery abandoned",
		zap.String("session_id", o.spec.SessionID),
		zap.Uint64("sequence", rec.Sequence),
		zap.String("fingerprint", ev.Fingerprint),
		zap.Int("attempts", dr.Attempts),
		zap.Error(lastErr))

	o.rewind()
	o.c.notifyExhausted(o.spec.SessionID,
		fmt.Errorf("delivery of sequence %d abandoned after %d attempts: %w", rec.Sequence, dr.Attempts, lastErr))
	return false
}

func (o *outbox) track(dr *DeliveryRecord, state DeliveryState, err error) {
	dr.State = state
	dr.UpdatedAt = time.Now().UTC()
	if err != nil {
		dr.LastError = err.Error()
	}
	snapshot := *dr
	o.mu.Lock()
	o.last = &snapshot
	o.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
