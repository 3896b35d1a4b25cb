package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wondertwin-ai/kitchensink/internal/envelope"
)

// ServerChannel owns the server-side transport for one unit of work. The
// transport is built on first use and must be released with Shutdown after
// the last capture; a later call builds a fresh one.
type ServerChannel struct {
	factory TransportFactory
	builder *envelope.Builder
	logger  *slog.Logger

	mu        sync.Mutex
	transport Transport
	inits     int
}

// NewServerChannel creates a channel that builds transports with factory.
func NewServerChannel(factory TransportFactory, builder *envelope.Builder, logger *slog.Logger) *ServerChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		builder = envelope.NewBuilder(envelope.Metadata{}, nil)
	}
	return &ServerChannel{factory: factory, builder: builder, logger: logger}
}

func (s *ServerChannel) client() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		return s.transport, nil
	}
	if s.factory == nil {
		return nil, errors.New("capture: no server transport configured")
	}
	t, err := s.factory()
	if err != nil {
		return nil, err
	}
	s.transport = t
	s.inits++
	return t, nil
}

// CaptureServerEvent builds and sends a server envelope for distinctID.
func (s *ServerChannel) CaptureServerEvent(ctx context.Context, distinctID, event string, props map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := s.builder.Build(event, distinctID, props)
	if err != nil {
		return err
	}
	t, err := s.client()
	if err != nil {
		return err
	}
	return t.Send(env)
}

// GetFeatureFlag evaluates key for distinctID. A key missing from the
// evaluation yields nil.
func (s *ServerChannel) GetFeatureFlag(ctx context.Context, distinctID, key string) (any, error) {
	t, err := s.client()
	if err != nil {
		return nil, err
	}
	flags, err := t.Flags(ctx, distinctID)
	if err != nil {
		return nil, err
	}
	return flags[key], nil
}

// Shutdown flushes and releases the transport. It is a no-op when nothing
// was captured since the last Shutdown.
func (s *ServerChannel) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close(ctx)
}

// Active reports whether a transport is currently held.
func (s *ServerChannel) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// Inits returns how many transports the channel has built.
func (s *ServerChannel) Inits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits
}
