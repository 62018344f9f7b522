package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/session"
	"github.com/lvonguyen/threatmesh/internal/store"
)

// Suppress hides an event from scoring-driven status changes until
// Unsuppress. Suppressing an admin-suppressed event is a no-op.
func (e *Engine) Suppress(ctx context.Context, fingerprint string) (model.ThreatEvent, error) {
	return e.mutate(ctx, fingerprint, store.KindSuppressed, func(ev model.ThreatEvent) (model.ThreatEvent, bool) {
		if ev.Status == model.StatusSuppressed && ev.SuppressReason == model.SuppressAdmin {
			return ev, false
		}
		ev.Status = model.StatusSuppressed
		ev.SuppressReason = model.SuppressAdmin
		return ev, true
	})
}

// Unsuppress lifts any suppression and recomputes the status from the
// current score.
func (e *Engine) Unsuppress(ctx context.Context, fingerprint string) (model.ThreatEvent, error) {
	return e.mutate(ctx, fingerprint, store.KindUnsuppressed, func(ev model.ThreatEvent) (model.ThreatEvent, bool) {
		if ev.Status != model.StatusSuppressed {
			return ev, false
		}
		ev.Status = model.StatusPending
		ev.SuppressReason = model.SuppressNone
		ev.Status = e.scorer.Status(ev)
		return ev, true
	})
}

// mutate applies fn to the current state of fingerprint under its lock and
// appends the result when fn reports a change.
func (e *Engine) mutate(ctx context.Context, fingerprint string, kind store.Kind, fn func(model.ThreatEvent) (model.ThreatEvent, bool)) (model.ThreatEvent, error) {
	if e.degraded.Load() {
		return model.ThreatEvent{}, ErrDegraded
	}

	var out model.ThreatEvent
	err := e.dedup.WithLock(ctx, fingerprint, func(ctx context.Context) error {
		cur, ok, err := e.store.CurrentStateOf(ctx, fingerprint)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrEventNotFound, fingerprint)
		}

		next, changed := fn(cur)
		if !changed {
			out = cur
			return nil
		}
		rec, err := e.store.Append(ctx, kind, next)
		if err != nil {
			e.appendExhausted()
			return err
		}
		e.appendSucceeded()
		out = rec.Event
		return nil
	})
	if err != nil {
		return model.ThreatEvent{}, err
	}

	e.logger.Info("Event status changed by operator",
		zap.String("fingerprint", fingerprint),
		zap.String("kind", string(kind)),
		zap.String("status", string(out.Status)))
	return out, nil
}

// DecaySweep suppresses every active event not reinforced within the decay
// window as of asOf, rescoring it for its age. It returns the number of
// events suppressed.
func (e *Engine) DecaySweep(ctx context.Context, asOf time.Time) (int, error) {
	if e.degraded.Load() {
		return 0, ErrDegraded
	}

	var candidates []string
	err := e.store.ScanCurrent(ctx, func(ev model.ThreatEvent) error {
		if e.decayDue(ev, asOf) {
			candidates = append(candidates, ev.Fingerprint)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan current events: %w", err)
	}

	n := 0
	for _, fp := range candidates {
		err := e.dedup.WithLock(ctx, fp, func(ctx context.Context) error {
			cur, ok, err := e.store.CurrentStateOf(ctx, fp)
			if err != nil || !ok {
				return err
			}
			// A report may have landed since the scan.
			if !e.decayDue(cur, asOf) {
				return nil
			}
			cur.Score = e.scorer.Score(cur, cur.Score, asOf)
			cur.Status = model.StatusSuppressed
			cur.SuppressReason = model.SuppressDecay
			if _, err := e.store.Append(ctx, store.KindDecayed, cur); err != nil {
				e.appendExhausted()
				return err
			}
			e.appendSucceeded()
			n++
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("failed to decay %s: %w", fp, err)
		}
	}

	if n > 0 {
		e.logger.Info("Decay sweep suppressed stale events",
			zap.Int("suppressed", n),
			zap.Duration("window", e.config.DecayWindow))
	}
	return n, nil
}

func (e *Engine) decayDue(ev model.ThreatEvent, asOf time.Time) bool {
	return !ev.Suppressed() && asOf.Sub(ev.LastSeenAt) >= e.config.DecayWindow
}

// SessionStats summarizes live sessions.
type SessionStats interface {
	Stats(limit int) session.Stats
}

// LagReporter counts sessions in catch-up mode.
type LagReporter interface {
	LaggingCount() int
}

// Stats is the operational summary served to dashboards.
type Stats struct {
	DistinctEvents  int64         `json:"distinct_events"`
	LogLength       uint64        `json:"log_length"`
	ActiveSessions  int           `json:"active_sessions"`
	Sessions        session.Stats `json:"sessions"`
	LaggingSessions int           `json:"lagging_sessions"`
	QueuedReports   int           `json:"queued_reports"`
	Degraded        bool          `json:"degraded"`
}

// Stats aggregates counters from the store, sessions and fanout. The store
// part falls back to the cached head while the backend is unreachable.
func (e *Engine) Stats(ctx context.Context, sessions SessionStats, lag LagReporter) Stats {
	st := Stats{
		LogLength:     e.store.Head(),
		QueuedReports: len(e.jobs),
		Degraded:      e.degraded.Load(),
	}
	if ss, err := e.store.Stats(ctx); err == nil {
		st.DistinctEvents = ss.Fingerprints
	} else {
		e.logger.Debug("Store stats unavailable", zap.Error(err))
	}
	if sessions != nil {
		st.Sessions = sessions.Stats(10)
		st.ActiveSessions = st.Sessions.ByState[session.StateActive]
	}
	if lag != nil {
		st.LaggingSessions = lag.LaggingCount()
	}
	return st
}

// Export writes a compressed snapshot of the log after sequence after.
func (e *Engine) Export(ctx context.Context, w io.Writer, after uint64) (int, error) {
	return e.store.Export(ctx, w, after)
}
