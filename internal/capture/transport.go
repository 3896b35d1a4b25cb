// Package capture implements the client and server capture channels and the
// transports that carry envelopes to the ingestion backend.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/wondertwin-ai/kitchensink/internal/envelope"
)

var (
	// ErrClosed is returned when sending on a transport that was closed.
	ErrClosed = errors.New("capture: transport closed")
	// ErrQueueFull is returned when the client buffer is at capacity.
	ErrQueueFull = errors.New("capture: queue full")
)

// Transport delivers envelopes and evaluates flags against the ingestion
// backend. Delivery, batching, and retry are owned by the implementation.
type Transport interface {
	// Send hands env to the transport. It must not block on the network.
	Send(env envelope.Envelope) error
	// Flags evaluates every flag for distinctID.
	Flags(ctx context.Context, distinctID string) (map[string]any, error)
	// Close flushes anything pending and releases the transport.
	Close(ctx context.Context) error
}

// TransportFactory builds a transport on first use.
type TransportFactory func() (Transport, error)

// HTTPError is a non-2xx response from the ingestion backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingest: http %d", e.StatusCode)
	}
	return fmt.Sprintf("ingest: http %d: %s", e.StatusCode, e.Body)
}

// wireEvent is one event inside a batch request body.
type wireEvent struct {
	Type       string         `json:"type"`
	UUID       string         `json:"uuid,omitempty"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`
	Timestamp  string         `json:"timestamp"`
}

func toWire(env envelope.Envelope) wireEvent {
	typ := "capture"
	if env.Event == envelope.EventIdentify {
		typ = "identify"
	}
	return wireEvent{
		Type:       typ,
		UUID:       env.UUID,
		Event:      env.Event,
		DistinctID: env.DistinctID,
		Properties: env.WireProperties(),
		Timestamp:  env.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}
