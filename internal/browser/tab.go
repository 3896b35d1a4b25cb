// Package browser drives the app the way a browser tab does: it navigates
// pages over HTTP and issues the client-side analytics for each route
// through a tab-scoped capture channel.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wondertwin-ai/kitchensink/internal/capture"
	"github.com/wondertwin-ai/kitchensink/internal/envelope"
	"github.com/wondertwin-ai/kitchensink/internal/flags"
	"github.com/wondertwin-ai/kitchensink/internal/funnel"
	"github.com/wondertwin-ai/kitchensink/internal/identity"
	"github.com/wondertwin-ai/kitchensink/internal/storage"
)

// ErrClosed is returned by every method once the tab is closed.
var ErrClosed = errors.New("browser: tab closed")

// ErrNotOnStep is returned by step actions outside /steps/{1..7}.
var ErrNotOnStep = errors.New("browser: not on a funnel step")

// Options configures a Tab.
type Options struct {
	BaseURL     string // app origin, e.g. http://localhost:3000
	IngestPath  string // same-origin ingest prefix
	APIKey      string // public key
	Environment flags.Environment
	Metadata    envelope.Metadata
	Storage     storage.Storage
	Transport   capture.TransportFactory // default: BatchTransport via IngestPath
	BatchSize   int
	FlushEvery  time.Duration
	HTTPClient  *http.Client
	UserAgent   string
	Now         func() time.Time
	Logger      *slog.Logger
}

// Page is the result of a navigation.
type Page struct {
	Path       string
	StatusCode int
	Body       string
}

// Tab is one browser tab. Its methods are serialized, like work on a tab's
// event loop.
type Tab struct {
	opts    Options
	client  *http.Client
	channel *capture.ClientChannel
	gate    *flags.Gate
	logger  *slog.Logger

	mu              sync.Mutex
	closed          bool
	path            string
	step            funnel.Step
	onStep          bool
	stepOpenedAt    time.Time
	funnelStartedAt time.Time
}

// NewTab creates a tab. Nothing is sent until the first navigation.
func NewTab(opts Options) *Tab {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IngestPath == "" {
		opts.IngestPath = "/ingest"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "kitchensink-tab/1.0"
	}
	if !opts.Environment.Valid() {
		opts.Environment = flags.Local
	}
	if opts.Metadata.Environment == "" {
		opts.Metadata.Environment = string(opts.Environment)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	nav := *client
	nav.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	transport := opts.Transport
	if transport == nil {
		cfg := capture.BatchConfig{
			Endpoint:      opts.BaseURL + opts.IngestPath,
			APIKey:        opts.APIKey,
			BatchSize:     opts.BatchSize,
			FlushInterval: opts.FlushEvery,
			HTTPClient:    client,
			Logger:        opts.Logger,
		}
		transport = func() (capture.Transport, error) {
			return capture.NewBatchTransport(cfg), nil
		}
	}

	channel := capture.NewClientChannel(capture.ClientOptions{
		Transport: transport,
		Builder:   envelope.NewBuilder(opts.Metadata, opts.Now),
		Storage:   opts.Storage,
		Origin:    opts.BaseURL,
		UserAgent: opts.UserAgent,
		Now:       opts.Now,
		Logger:    opts.Logger,
	})

	return &Tab{
		opts:    opts,
		client:  &nav,
		channel: channel,
		gate:    flags.NewGate(opts.Environment),
		logger:  opts.Logger,
	}
}

// Channel exposes the tab's capture channel.
func (t *Tab) Channel() *capture.ClientChannel {
	return t.channel
}

// DistinctID initializes the channel if needed and returns the identity.
func (t *Tab) DistinctID() string {
	t.channel.Init()
	id, _ := t.channel.DistinctID()
	return id
}

// WaitForFlags blocks until the channel's first flag fetch settles.
func (t *Tab) WaitForFlags(ctx context.Context) error {
	t.channel.Init()
	return t.channel.WaitForFlags(ctx)
}

// Path returns the tab's current route.
func (t *Tab) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Open navigates to path and issues the route's view events.
func (t *Tab) Open(ctx context.Context, path string) (*Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked(ctx, path)
}

func (t *Tab) openLocked(ctx context.Context, path string) (*Page, error) {
	if t.closed {
		return nil, ErrClosed
	}
	t.channel.Init()
	id, _ := t.channel.DistinctID()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(identity.Header, id)
	req.Header.Set("User-Agent", t.opts.UserAgent)
	page, _, err := t.do(req)
	if err != nil {
		return nil, err
	}
	page.Path = path

	t.path = path
	t.step, t.onStep = funnel.StepFromPath(path)
	t.mount(path, id)
	return page, nil
}

// mount issues the view events for the route. Step state is recomputed from
// the route on every navigation.
func (t *Tab) mount(path, id string) {
	now := t.opts.Now()
	switch {
	case path == "/":
		alt := flags.Enabled(t.gate.ReadClient(t.channel, flags.StartAltPage))
		variant := "default"
		if alt {
			variant = "alt"
		}
		props := map[string]any{
			"variant":      variant,
			"feature_flag": t.gate.Key(flags.StartAltPage),
		}
		t.channel.CapturePageView("/", props)
		t.channel.Capture(funnel.EventStartVariantViewed, props)

	case t.onStep:
		if t.step == 1 || t.funnelStartedAt.IsZero() {
			t.funnelStartedAt = now
		}
		t.stepOpenedAt = now
		props := t.step.Properties()
		props["variant_brighter_red"] = t.brighterRed()
		props["feature_flag"] = t.gate.Key(flags.BrighterRedStep2)
		props["user_id"] = id
		t.channel.CapturePageView(path, props)
		t.channel.Capture(funnel.EventStepViewed, maps.Clone(props))

	case strings.HasPrefix(path, "/steps/"):
		// Out-of-range steps render the loading view and issue nothing.
		t.channel.SetPage(path)

	case path == funnel.FinishPath:
		t.channel.CapturePageView(funnel.FinishPath, map[string]any{
			"step_name":       "finish",
			"funnel_position": funnel.TotalSteps + 1,
			"total_steps":     funnel.TotalSteps,
			"user_id":         id,
		})
		if flags.Enabled(t.gate.ReadClient(t.channel, flags.ConfettiFinish)) {
			t.channel.Capture(funnel.EventConfettiShown, map[string]any{
				"source":       "flow_complete",
				"feature_flag": t.gate.Key(flags.ConfettiFinish),
			})
		}

	default:
		t.channel.CapturePageView(path, nil)
	}
}

func (t *Tab) brighterRed() bool {
	return flags.Enabled(t.gate.ReadClient(t.channel, flags.BrighterRedStep2))
}

// ClickNext records the click, submits the advance action, and follows the
// returned navigation.
func (t *Tab) ClickNext(ctx context.Context) (*Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if !t.onStep {
		return nil, ErrNotOnStep
	}
	step := t.step
	id, _ := t.channel.DistinctID()

	t.channel.Capture(funnel.EventStepNextClicked, map[string]any{
		"step_index":           int(step),
		"step_duration_ms":     t.opts.Now().Sub(t.stepOpenedAt).Milliseconds(),
		"route":                t.path,
		"variant_brighter_red": t.brighterRed(),
	})

	form := url.Values{}
	form.Set(identity.FormField, id)
	if !t.funnelStartedAt.IsZero() {
		form.Set(funnel.StartedAtField, strconv.FormatInt(t.funnelStartedAt.UnixMilli(), 10))
	}
	resp, err := t.post(ctx, step.Path()+"/next", form)
	if err != nil {
		return nil, err
	}
	if resp.statusCode != http.StatusSeeOther {
		return nil, fmt.Errorf("advance step %d: unexpected status %d", step, resp.statusCode)
	}
	target := resp.location
	if target == "" {
		return nil, fmt.Errorf("advance step %d: redirect without location", step)
	}
	return t.openLocked(ctx, target)
}

// Hide signals that the tab became hidden.
func (t *Tab) Hide(ctx context.Context) error {
	return t.abandon(ctx, funnel.ReasonTabSwitch)
}

// Unload signals that the page is being left.
func (t *Tab) Unload(ctx context.Context) error {
	return t.abandon(ctx, funnel.ReasonPageLeave)
}

// abandon reports an abandonment for the current step. Outside a step it
// does nothing. Both signals may fire for one abandonment.
func (t *Tab) abandon(ctx context.Context, reason funnel.AbandonReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.onStep {
		return nil
	}
	id, _ := t.channel.DistinctID()
	form := url.Values{}
	form.Set(identity.FormField, id)
	form.Set("reason", string(reason))

	resp, err := t.post(ctx, t.step.Path()+"/abandon", form)
	if err != nil {
		return err
	}
	if resp.statusCode >= 400 {
		return fmt.Errorf("abandon step %d: unexpected status %d", t.step, resp.statusCode)
	}
	return nil
}

// Close tears down the tab's capture channel, flushing what was queued.
func (t *Tab) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.channel.Close(ctx)
}

type postResult struct {
	statusCode int
	location   string
}

func (t *Tab) post(ctx context.Context, path string, form url.Values) (postResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return postResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", t.opts.UserAgent)
	page, loc, err := t.do(req)
	if err != nil {
		return postResult{}, err
	}
	return postResult{statusCode: page.StatusCode, location: loc}, nil
}

func (t *Tab) do(req *http.Request) (*Page, string, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", req.URL.Path, err)
	}
	return &Page{StatusCode: resp.StatusCode, Body: string(body)}, resp.Header.Get("Location"), nil
}
