package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/codec"
	"github.com/lvonguyen/threatmesh/internal/engine"
	"github.com/lvonguyen/threatmesh/internal/observability"
	"github.com/lvonguyen/threatmesh/internal/store"
)

// Submitter runs one report through the pipeline.
type Submitter interface {
	Submit(ctx context.Context, sub engine.Submission) (engine.Result, error)
}

// SubmitHandler returns an EventHandler that submits every HEC event as one
// threat report. The event body is the report. When the HEC host is set the
// reporter is "hec:<host>", and the HEC timestamp fills in a missing
// observed_at.
//
// Rejected events do not stop the batch; they are summarized in an error
// wrapping ErrInvalidEvent. A pipeline that is degraded or full stops the
// batch with an error wrapping ErrBusy.
func SubmitHandler(sub Submitter, logger *zap.Logger, metrics *observability.Metrics) EventHandler {
	logger = logger.Named("hec")
	return func(ctx context.Context, events []HECEvent) error {
		var invalid []string
		for i, ev := range events {
			raw, err := reportBody(ev)
			if err == nil {
				_, err = sub.Submit(ctx, engine.Submission{
					ReporterID: reporterID(ev),
					Raw:        raw,
				})
			}

			var rej *codec.Rejection
			switch {
			case err == nil:
				metrics.HECEvents.WithLabelValues("accepted").Inc()
			case errors.As(err, &rej), errors.Is(err, errNotReport):
				metrics.HECEvents.WithLabelValues("rejected").Inc()
				invalid = append(invalid, fmt.Sprintf("event %d: %v", i, err))
			case retryable(err):
				return fmt.Errorf("%w: event %d: %v", ErrBusy, i, err)
			default:
				return fmt.Errorf("event %d: %w", i, err)
			}
		}

		if len(invalid) > 0 {
			logger.Debug("HEC events rejected", zap.Int("rejected", len(invalid)), zap.Int("events", len(events)))
			return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(invalid, "; "))
		}
		return nil
	}
}

var errNotReport = errors.New("event body is not a report object")

// reportBody turns the HEC event payload into raw report bytes.
func reportBody(ev HECEvent) ([]byte, error) {
	switch body := ev.Event.(type) {
	case json.RawMessage:
		return body, nil
	case string:
		return []byte(body), nil
	case map[string]any:
		if _, ok := body["observed_at"]; !ok && ev.Time > 0 {
			body["observed_at"] = hecTime(ev.Time).Format(time.RFC3339Nano)
		}
		return json.Marshal(body)
	default:
		return nil, errNotReport
	}
}

// hecTime converts epoch seconds with a fractional part.
func hecTime(t float64) time.Time {
	sec, frac := math.Modf(t)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func reporterID(ev HECEvent) string {
	if ev.Host == "" {
		return ""
	}
	return "hec:" + ev.Host
}

func retryable(err error) bool {
	return errors.Is(err, engine.ErrDegraded) ||
		errors.Is(err, engine.ErrOverloaded) ||
		errors.Is(err, engine.ErrStopped) ||
		errors.Is(err, store.ErrAppendFailed)
}
