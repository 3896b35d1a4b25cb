package capture

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/posthog/posthog-go"

	"github.com/wondertwin-ai/kitchensink/internal/envelope"
)

// PostHogConfig configures a PostHogTransport.
type PostHogConfig struct {
	APIKey    string
	Endpoint  string
	Interval  time.Duration
	// FlagTimeout bounds posthog-go's own flag request. Zero keeps the
	// library default.
	FlagTimeout time.Duration
	Transport   http.RoundTripper
	Logger      *slog.Logger
}

// PostHogTransport sends envelopes through the posthog-go client configured
// for immediate flush: every envelope is its own batch.
type PostHogTransport struct {
	client posthog.Client
	logger *slog.Logger
}

// NewPostHogTransport creates a transport backed by posthog-go.
func NewPostHogTransport(cfg PostHogConfig) (*PostHogTransport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}

	client, err := posthog.NewWithConfig(cfg.APIKey, posthog.Config{
		Endpoint:                  cfg.Endpoint,
		BatchSize:                 1,
		Interval:                  cfg.Interval,
		FeatureFlagRequestTimeout: cfg.FlagTimeout,
		Transport:                 cfg.Transport,
		Logger:                    posthogLogger{cfg.Logger},
	})
	if err != nil {
		return nil, fmt.Errorf("posthog client: %w", err)
	}
	return &PostHogTransport{client: client, logger: cfg.Logger}, nil
}

// PostHogFactory returns a factory that builds a fresh PostHogTransport.
func PostHogFactory(cfg PostHogConfig) TransportFactory {
	return func() (Transport, error) {
		return NewPostHogTransport(cfg)
	}
}

func (t *PostHogTransport) Send(env envelope.Envelope) error {
	if env.Event == envelope.EventIdentify {
		set, _ := env.Properties["$set"].(map[string]any)
		return t.client.Enqueue(posthog.Identify{
			DistinctId: env.DistinctID,
			Timestamp:  env.Timestamp,
			Properties: posthog.Properties(set),
		})
	}
	return t.client.Enqueue(posthog.Capture{
		DistinctId: env.DistinctID,
		Event:      env.Event,
		Timestamp:  env.Timestamp,
		Properties: posthog.Properties(env.WireProperties()),
	})
}

// Flags evaluates every flag for distinctID. posthog-go takes no context, so
// the call runs in the background and is abandoned when ctx ends.
func (t *PostHogTransport) Flags(ctx context.Context, distinctID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		flags map[string]any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		flags, err := t.client.GetAllFlags(posthog.FeatureFlagPayloadNoKey{DistinctId: distinctID})
		done <- result{flags, err}
	}()
	select {
	case res := <-done:
		return res.flags, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close flushes the posthog-go queue. posthog-go has no context support, so
// the wait is abandoned when ctx ends.
func (t *PostHogTransport) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- t.client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// posthogLogger routes posthog-go's printf-style logs into slog.
type posthogLogger struct {
	l *slog.Logger
}

func (p posthogLogger) Debugf(format string, args ...any) {
	p.l.Debug(fmt.Sprintf(format, args...), "component", "posthog")
}

func (p posthogLogger) Logf(format string, args ...any) {
	p.l.Info(fmt.Sprintf(format, args...), "component", "posthog")
}

func (p posthogLogger) Warnf(format string, args ...any) {
	p.l.Warn(fmt.Sprintf(format, args...), "component", "posthog")
}

func (p posthogLogger) Errorf(format string, args ...any) {
	p.l.Error(fmt.Sprintf(format, args...), "component", "posthog")
}
