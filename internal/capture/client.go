package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wondertwin-ai/kitchensink/internal/envelope"
	"github.com/wondertwin-ai/kitchensink/internal/identity"
	"github.com/wondertwin-ai/kitchensink/internal/storage"
)

// DefaultSessionIdle is how long a session survives without activity.
const DefaultSessionIdle = 30 * time.Minute

// ClientOptions configures a ClientChannel.
type ClientOptions struct {
	Transport   TransportFactory
	Builder     *envelope.Builder
	Storage     storage.Storage
	Origin      string // scheme://host used for $current_url
	UserAgent   string
	SessionIdle time.Duration
	FlagTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// ClientChannel is the tab-scoped capture channel. It initializes its
// transport on first use and keeps it until Close. Capture calls enqueue and
// return; delivery is owned by the transport.
type ClientChannel struct {
	opts   ClientOptions
	logger *slog.Logger

	once      sync.Once
	transport Transport
	flagsWG   sync.WaitGroup

	mu           sync.RWMutex
	ready        bool
	closed       bool
	distinctID   string
	sessionID    string
	lastActivity time.Time
	page         string
	payload      map[string]any
	hasPayload   bool
	listeners    []func(map[string]any)
}

// NewClientChannel creates an uninitialized channel.
func NewClientChannel(opts ClientOptions) *ClientChannel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = DefaultSessionIdle
	}
	if opts.FlagTimeout <= 0 {
		opts.FlagTimeout = 5 * time.Second
	}
	if opts.Storage == nil {
		opts.Storage = storage.Disabled{}
	}
	if opts.Builder == nil {
		opts.Builder = envelope.NewBuilder(envelope.Metadata{}, opts.Now)
	}
	return &ClientChannel{opts: opts, logger: opts.Logger}
}

// Init performs transport setup and the first flag fetch. It is idempotent;
// every capture method calls it.
func (c *ClientChannel) Init() {
	c.once.Do(c.init)
}

func (c *ClientChannel) init() {
	id := identity.NewResolver(c.opts.Storage, nil, c.logger).Resolve()

	var t Transport
	if c.opts.Transport != nil {
		var err error
		t, err = c.opts.Transport()
		if err != nil {
			c.logger.Warn("analytics transport unavailable", "err", err)
			t = nil
		}
	}

	c.mu.Lock()
	c.transport = t
	c.distinctID = id
	c.ready = true
	c.mu.Unlock()

	if t != nil {
		c.fetchFlagsAsync(id)
	}
}

// DistinctID returns the channel's identity once it is initialized.
func (c *ClientChannel) DistinctID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready || c.distinctID == "" {
		return "", false
	}
	return c.distinctID, true
}

// SessionID returns the current session id, starting or rotating the session
// as needed.
func (c *ClientChannel) SessionID() string {
	c.Init()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touchSessionLocked()
}

func (c *ClientChannel) touchSessionLocked() string {
	now := c.opts.Now()
	if c.sessionID == "" || now.Sub(c.lastActivity) > c.opts.SessionIdle {
		c.sessionID = uuid.NewString()
	}
	c.lastActivity = now
	return c.sessionID
}

// SetPage records the tab's current path for envelopes built afterwards.
func (c *ClientChannel) SetPage(path string) {
	c.mu.Lock()
	c.page = path
	c.mu.Unlock()
}

// Capture enqueues a custom event.
func (c *ClientChannel) Capture(event string, props map[string]any) {
	c.Init()
	c.send(func(id string, cc envelope.ClientContext) (envelope.Envelope, error) {
		return c.opts.Builder.BuildClient(event, id, props, cc)
	})
}

// CapturePageView enqueues a $pageview for path.
func (c *ClientChannel) CapturePageView(path string, props map[string]any) {
	c.Init()
	if path == "" {
		c.mu.RLock()
		path = c.page
		c.mu.RUnlock()
	} else {
		c.SetPage(path)
	}
	c.send(func(id string, cc envelope.ClientContext) (envelope.Envelope, error) {
		return c.opts.Builder.BuildPageView(id, c.opts.Origin, path, props, cc)
	})
}

// CaptureException enqueues an $exception event for err.
func (c *ClientChannel) CaptureException(err error, props map[string]any) {
	if err == nil {
		return
	}
	merged := make(map[string]any, len(props)+2)
	maps.Copy(merged, props)
	merged["$exception_message"] = err.Error()
	merged["$exception_type"] = errorType(err)
	c.Capture(envelope.EventException, merged)
}

// Identify switches the channel to distinctID, persists it, and re-fetches
// flags for the new identity. Ids rejected by identity.Valid are ignored.
func (c *ClientChannel) Identify(distinctID string, props map[string]any) {
	c.Init()
	distinctID = strings.TrimSpace(distinctID)
	if !identity.Valid(distinctID) {
		c.logger.Debug("ignoring invalid identify id", "distinct_id", distinctID)
		return
	}

	c.mu.Lock()
	previous := c.distinctID
	c.distinctID = distinctID
	c.mu.Unlock()

	if err := c.opts.Storage.Set(identity.StorageKey, distinctID); err != nil {
		c.logger.Debug("persisting identified id failed", "err", err)
	}

	set := make(map[string]any, len(props))
	maps.Copy(set, props)
	c.send(func(id string, cc envelope.ClientContext) (envelope.Envelope, error) {
		return c.opts.Builder.BuildClient(envelope.EventIdentify, id, map[string]any{
			"$set":              set,
			"$anon_distinct_id": previous,
		}, cc)
	})

	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t != nil && previous != distinctID {
		c.fetchFlagsAsync(distinctID)
	}
}

func (c *ClientChannel) send(build func(id string, cc envelope.ClientContext) (envelope.Envelope, error)) {
	c.mu.Lock()
	if c.closed || c.transport == nil {
		c.mu.Unlock()
		return
	}
	t := c.transport
	id := c.distinctID
	cc := envelope.ClientContext{
		SessionID: c.touchSessionLocked(),
		PagePath:  c.page,
		UserAgent: c.opts.UserAgent,
	}
	c.mu.Unlock()

	env, err := build(id, cc)
	if err != nil {
		c.logger.Warn("building analytics envelope failed", "err", err)
		return
	}
	if err := t.Send(env); err != nil {
		c.logger.Warn("enqueueing analytics event failed", "event", env.Event, "distinct_id", env.DistinctID, "err", err)
	}
}

// OnFeatureFlags registers fn to run whenever a flag payload arrives. If a
// payload already arrived, fn runs immediately with it.
func (c *ClientChannel) OnFeatureFlags(fn func(map[string]any)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	payload, ok := maps.Clone(c.payload), c.hasPayload
	c.mu.Unlock()
	if ok {
		fn(payload)
	}
}

// FlagPayload returns the last delivered flag payload. ok is false until
// the first payload arrives.
func (c *ClientChannel) FlagPayload() (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasPayload {
		return nil, false
	}
	return maps.Clone(c.payload), true
}

// ReloadFlags fetches flags synchronously for the current identity.
func (c *ClientChannel) ReloadFlags(ctx context.Context) error {
	c.Init()
	c.mu.RLock()
	t, id := c.transport, c.distinctID
	c.mu.RUnlock()
	if t == nil {
		return ErrClosed
	}
	flags, err := t.Flags(ctx, id)
	if err != nil {
		return err
	}
	c.setPayload(flags)
	return nil
}

func (c *ClientChannel) fetchFlagsAsync(distinctID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.flagsWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.flagsWG.Done()
		c.mu.RLock()
		t := c.transport
		c.mu.RUnlock()
		if t == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.FlagTimeout)
		defer cancel()
		flags, err := t.Flags(ctx, distinctID)
		if err != nil {
			c.logger.Debug("flag payload fetch failed", "distinct_id", distinctID, "err", err)
			return
		}
		c.setPayload(flags)
	}()
}

// WaitForFlags blocks until in-flight flag fetches finish or ctx ends.
func (c *ClientChannel) WaitForFlags(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.flagsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ClientChannel) setPayload(flags map[string]any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.payload = maps.Clone(flags)
	c.hasPayload = true
	listeners := make([]func(map[string]any), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(maps.Clone(flags))
	}
}

// Close tears the channel down, flushing the transport. Later captures are
// dropped. The transport is closed before waiting on in-flight flag fetches
// so a slow fetch cannot strand queued events.
func (c *ClientChannel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.mu.Unlock()

	var closeErr error
	if t != nil {
		closeErr = t.Close(ctx)
	}
	return errors.Join(closeErr, c.WaitForFlags(ctx))
}

func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return fmt.Sprintf("%T", err)
}
