package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/wondertwin-ai/kitchensink/internal/capture"
	"github.com/wondertwin-ai/kitchensink/internal/envelope"
)

// Recorder is an in-memory capture.Transport. Several transports built by
// one Recorder's Factory share its log, which mirrors a single backend.
type Recorder struct {
	mu       sync.Mutex
	events   []envelope.Envelope
	flags    map[string]any
	flagErr  error
	sendErr  error
	builds   int
	closes   int
	flagHits int
	sent     chan envelope.Envelope
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{flags: map[string]any{}, sent: make(chan envelope.Envelope, 256)}
}

// SetFlags sets the evaluation every transport returns.
func (r *Recorder) SetFlags(flags map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags = flags
}

// FailFlags makes every flag evaluation return err.
func (r *Recorder) FailFlags(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flagErr = err
}

// FailSends makes every Send return err.
func (r *Recorder) FailSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// Factory returns a capture.TransportFactory whose transports record here.
func (r *Recorder) Factory() capture.TransportFactory {
	return func() (capture.Transport, error) {
		r.mu.Lock()
		r.builds++
		r.mu.Unlock()
		return &recordingTransport{rec: r}, nil
	}
}

// Events returns every envelope sent, in send order.
func (r *Recorder) Events() []envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]envelope.Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns sent envelopes with the given event name.
func (r *Recorder) Named(event string) []envelope.Envelope {
	var out []envelope.Envelope
	for _, e := range r.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Builds returns how many transports the factory created.
func (r *Recorder) Builds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.builds
}

// Closes returns how many transports were closed.
func (r *Recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// FlagCalls returns how many flag evaluations were made.
func (r *Recorder) FlagCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flagHits
}

// WaitFor blocks until an envelope named event was sent or timeout elapses.
func (r *Recorder) WaitFor(event string, timeout time.Duration) (envelope.Envelope, bool) {
	if got := r.Named(event); len(got) > 0 {
		return got[0], true
	}
	deadline := time.After(timeout)
	for {
		select {
		case e := <-r.sent:
			if e.Event == event {
				return e, true
			}
		case <-deadline:
			got := r.Named(event)
			if len(got) > 0 {
				return got[0], true
			}
			return envelope.Envelope{}, false
		}
	}
}

type recordingTransport struct {
	rec    *Recorder
	closed bool
}

func (t *recordingTransport) Send(env envelope.Envelope) error {
	t.rec.mu.Lock()
	if t.closed {
		t.rec.mu.Unlock()
		return capture.ErrClosed
	}
	if t.rec.sendErr != nil {
		err := t.rec.sendErr
		t.rec.mu.Unlock()
		return err
	}
	t.rec.events = append(t.rec.events, env)
	t.rec.mu.Unlock()

	select {
	case t.rec.sent <- env:
	default:
	}
	return nil
}

func (t *recordingTransport) Flags(_ context.Context, _ string) (map[string]any, error) {
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	t.rec.flagHits++
	if t.rec.flagErr != nil {
		return nil, t.rec.flagErr
	}
	out := make(map[string]any, len(t.rec.flags))
	for k, v := range t.rec.flags {
		out[k] = v
	}
	return out, nil
}

func (t *recordingTransport) Close(context.Context) error {
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.rec.closes++
	}
	return nil
}
