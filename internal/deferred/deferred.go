// Package deferred runs callbacks after an HTTP response has been committed
// to the client but before the request's handler returns, so the work stays
// inside the request lifetime the server tracks during graceful shutdown.
package deferred

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultTimeout bounds a request's callbacks when the hook has no timeout.
const DefaultTimeout = 10 * time.Second

// Func is a deferred callback. Its context is detached from the client
// connection and bounded by the hook's timeout.
type Func func(ctx context.Context) error

type entry struct {
	name string
	fn   Func
}

type queue struct {
	mu      sync.Mutex
	entries []entry
}

func (q *queue) push(e entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
}

func (q *queue) pop() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return entry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

type ctxKey struct{}

// Stats counts callback outcomes since the hook was created.
type Stats struct {
	Ran      int `json:"ran"`
	Failed   int `json:"failed"`
	Panicked int `json:"panicked"`
}

// Hook owns the deferred phase of every request it wraps.
type Hook struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	running int
	idle    []chan struct{}
	stats   Stats
}

// New creates a hook. A non-positive timeout uses DefaultTimeout.
func New(logger *slog.Logger, timeout time.Duration) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Hook{logger: logger, timeout: timeout}
}

// Middleware buffers the handler's response. When the handler scheduled
// callbacks, the buffered response is written with an explicit
// Content-Length and flushed, then the callbacks run in registration order.
func (h *Hook) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := &queue{}
		buf := &bufferedWriter{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), ctxKey{}, q)

		next.ServeHTTP(buf, r.WithContext(ctx))

		if q.len() == 0 {
			buf.commit()
			return
		}

		h.begin()
		defer h.end()
		buf.commit()
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()
		for {
			e, ok := q.pop()
			if !ok {
				return
			}
			h.run(runCtx, e, r)
		}
	})
}

// After schedules fn to run once the response for r is committed. Outside a
// Middleware scope fn runs immediately; its errors are logged either way.
func After(r *http.Request, name string, fn Func) {
	if q, ok := r.Context().Value(ctxKey{}).(*queue); ok {
		q.push(entry{name: name, fn: fn})
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), DefaultTimeout)
	defer cancel()
	if err := safeCall(ctx, fn); err != nil {
		slog.Default().Error("deferred callback failed", "callback", name, "path", r.URL.Path, "err", err)
	}
}

// Scheduled reports whether r runs inside a Middleware scope.
func Scheduled(r *http.Request) bool {
	_, ok := r.Context().Value(ctxKey{}).(*queue)
	return ok
}

func (h *Hook) run(ctx context.Context, e entry, r *http.Request) {
	err := safeCall(ctx, e.fn)

	h.mu.Lock()
	h.stats.Ran++
	var p *panicError
	switch {
	case err == nil:
	case errors.As(err, &p):
		h.stats.Panicked++
	default:
		h.stats.Failed++
	}
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("deferred callback failed",
			"callback", e.name,
			"path", r.URL.Path,
			"err", err,
		)
	}
}

// Wait blocks until no request is in its deferred phase or ctx ends.
func (h *Hook) Wait(ctx context.Context) error {
	h.mu.Lock()
	if h.running == 0 {
		h.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	h.idle = append(h.idle, ch)
	h.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of callback outcomes.
func (h *Hook) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Hook) begin() {
	h.mu.Lock()
	h.running++
	h.mu.Unlock()
}

func (h *Hook) end() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running--
	if h.running > 0 {
		return
	}
	for _, ch := range h.idle {
		close(ch)
	}
	h.idle = nil
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func safeCall(ctx context.Context, fn Func) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v}
		}
	}()
	return fn(ctx)
}

// bufferedWriter holds the response until commit.
type bufferedWriter struct {
	http.ResponseWriter
	status    int
	body      bytes.Buffer
	committed bool
}

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) commit() {
	if b.committed {
		return
	}
	b.committed = true
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	if bodyAllowed(status) {
		b.Header().Set("Content-Length", strconv.Itoa(b.body.Len()))
	}
	b.ResponseWriter.WriteHeader(status)
	if b.body.Len() > 0 && bodyAllowed(status) {
		b.ResponseWriter.Write(b.body.Bytes())
	}
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}
