package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wondertwin-ai/kitchensink/internal/envelope"
)

// BatchConfig configures a BatchTransport.
type BatchConfig struct {
	Endpoint      string // ingest base URL, e.g. http://localhost:3000/ingest
	APIKey        string
	BatchSize     int
	FlushInterval time.Duration
	MaxQueue      int
	MaxRetries    int
	RetryDelay    time.Duration // doubled after every failed attempt
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Delivery records one batch delivery attempt.
type Delivery struct {
	Events     int       `json:"events"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
}

// BatchTransport buffers envelopes in memory and delivers them in batches
// from a single background goroutine, so envelopes sent through one
// transport reach the backend in send order.
type BatchTransport struct {
	cfg    BatchConfig
	client *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	queue      []envelope.Envelope
	deliveries []Delivery
	closed     bool

	wake     chan struct{}
	flushReq chan chan error
	done     chan struct{}
	stopped  chan struct{}
}

// NewBatchTransport creates the transport and starts its flush loop.
func NewBatchTransport(cfg BatchConfig) *BatchTransport {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 3 * time.Second
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	t := &BatchTransport{
		cfg:      cfg,
		client:   client,
		logger:   cfg.Logger,
		queue:    make([]envelope.Envelope, 0, cfg.BatchSize),
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go t.run()
	return t
}

// Send enqueues env and returns immediately.
func (t *BatchTransport) Send(env envelope.Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if len(t.queue) >= t.cfg.MaxQueue {
		t.mu.Unlock()
		return ErrQueueFull
	}
	t.queue = append(t.queue, env)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush delivers everything queued so far and waits for the result.
func (t *BatchTransport) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case t.flushReq <- reply:
	case <-t.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting envelopes, drains the queue, and stops the loop.
func (t *BatchTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	select {
	case <-t.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of envelopes not yet handed to the network.
func (t *BatchTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Deliveries returns every recorded delivery attempt.
func (t *BatchTransport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Delivery, len(t.deliveries))
	copy(out, t.deliveries)
	return out
}

func (t *BatchTransport) run() {
	defer close(t.stopped)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.wake:
			if t.Pending() >= t.cfg.BatchSize {
				t.flush()
			}
		case <-ticker.C:
			t.flush()
		case reply := <-t.flushReq:
			reply <- t.flush()
		case <-t.done:
			t.flush()
			return
		}
	}
}

// flush sends the queue in BatchSize chunks. Only run calls it.
func (t *BatchTransport) flush() error {
	var lastErr error
	for {
		t.mu.Lock()
		n := min(len(t.queue), t.cfg.BatchSize)
		if n == 0 {
			t.mu.Unlock()
			return lastErr
		}
		batch := make([]envelope.Envelope, n)
		copy(batch, t.queue[:n])
		t.queue = t.queue[n:]
		t.mu.Unlock()

		if err := t.deliver(batch); err != nil {
			t.logger.Warn("dropping analytics batch", "events", len(batch), "err", err)
			lastErr = err
		}
	}
}

func (t *BatchTransport) deliver(batch []envelope.Envelope) error {
	events := make([]wireEvent, len(batch))
	for i, env := range batch {
		events[i] = toWire(env)
	}
	payload, err := json.Marshal(map[string]any{
		"api_key": t.cfg.APIKey,
		"batch":   events,
		"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	delay := t.cfg.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxRetries; attempt++ {
		status, err := t.post(t.cfg.Endpoint+"/batch/", payload)
		d := Delivery{
			Events:     len(batch),
			StatusCode: status,
			Attempt:    attempt,
			Timestamp:  time.Now(),
		}
		if err != nil {
			d.Error = err.Error()
		}
		t.mu.Lock()
		t.deliveries = append(t.deliveries, d)
		t.mu.Unlock()

		if err == nil {
			return nil
		}
		lastErr = err
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			// 4xx responses are not retried.
			return err
		}
		if attempt < t.cfg.MaxRetries {
			select {
			case <-time.After(delay):
			case <-t.done:
			}
			delay *= 2
		}
	}
	return lastErr
}

func (t *BatchTransport) post(url string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.StatusCode, nil
}

// Flags calls the backend's decide endpoint for distinctID.
func (t *BatchTransport) Flags(ctx context.Context, distinctID string) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{
		"api_key":     t.cfg.APIKey,
		"token":       t.cfg.APIKey,
		"distinct_id": distinctID,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint+"/decide/?v=3", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded struct {
		FeatureFlags map[string]any `json:"featureFlags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	if decoded.FeatureFlags == nil {
		decoded.FeatureFlags = map[string]any{}
	}
	return decoded.FeatureFlags, nil
}
