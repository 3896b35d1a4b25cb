package funnel

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"time"

	"github.com/wondertwin-ai/kitchensink/internal/capture"
	"github.com/wondertwin-ai/kitchensink/internal/deferred"
	"github.com/wondertwin-ai/kitchensink/internal/envelope"
)

// StartedAtField is the form field carrying the tab's funnel start time in
// unix milliseconds.
const StartedAtField = "funnel_started_at"

// isoMillis matches the millisecond ISO-8601 form browsers produce.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Actions are the funnel's server actions. Every capture runs in the
// request's deferred phase on its own ServerChannel, which is shut down
// before the callback returns.
type Actions struct {
	factory capture.TransportFactory
	builder *envelope.Builder
	logger  *slog.Logger
	now     func() time.Time
}

// NewActions creates the actions over a server transport factory.
func NewActions(factory capture.TransportFactory, builder *envelope.Builder, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{factory: factory, builder: builder, logger: logger, now: time.Now}
}

// AdvanceStep schedules the server acknowledgment for step and, on the last
// step, the flow completion. It returns the navigation target. startedAt is
// the zero time when the client did not report one.
func (a *Actions) AdvanceStep(r *http.Request, step Step, distinctID string, startedAt time.Time) string {
	completedAt := a.now()
	deferred.After(r, EventStepNextServerAck, func(ctx context.Context) error {
		return a.withChannel(ctx, func(ch *capture.ServerChannel) error {
			if err := ch.CaptureServerEvent(ctx, distinctID, EventStepNextServerAck, step.Properties()); err != nil {
				return err
			}
			if !step.Last() {
				return nil
			}
			props := map[string]any{
				"steps":           TotalSteps,
				"completion_rate": 100,
			}
			if !startedAt.IsZero() {
				props["total_duration_ms"] = completedAt.Sub(startedAt).Milliseconds()
			}
			return ch.CaptureServerEvent(ctx, distinctID, EventFlowCompleted, props)
		})
	})
	return step.Next()
}

// TrackAbandonment schedules a funnel_abandoned capture for step.
func (a *Actions) TrackAbandonment(r *http.Request, step Step, distinctID string, reason AbandonReason) {
	props := step.Properties()
	props["completion_rate"] = step.CompletionRate()
	props["abandonment_reason"] = string(reason)
	props["timestamp"] = a.now().UTC().Format(isoMillis)

	deferred.After(r, EventFunnelAbandoned, func(ctx context.Context) error {
		return a.withChannel(ctx, func(ch *capture.ServerChannel) error {
			return ch.CaptureServerEvent(ctx, distinctID, EventFunnelAbandoned, props)
		})
	})
}

// TrackEvent schedules an arbitrary server event.
func (a *Actions) TrackEvent(r *http.Request, event, distinctID string, props map[string]any) {
	props = maps.Clone(props)
	deferred.After(r, event, func(ctx context.Context) error {
		return a.withChannel(ctx, func(ch *capture.ServerChannel) error {
			return ch.CaptureServerEvent(ctx, distinctID, event, props)
		})
	})
}

func (a *Actions) withChannel(ctx context.Context, fn func(*capture.ServerChannel) error) error {
	ch := capture.NewServerChannel(a.factory, a.builder, a.logger)
	err := fn(ch)
	return errors.Join(err, ch.Shutdown(ctx))
}

// ParseStartedAt reads a unix-millisecond start time. Missing or malformed
// values yield the zero time.
func ParseStartedAt(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
