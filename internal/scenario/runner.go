package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wondertwin-ai/kitchensink/internal/browser"
	"github.com/wondertwin-ai/kitchensink/internal/client"
	"github.com/wondertwin-ai/kitchensink/internal/flags"
	"github.com/wondertwin-ai/kitchensink/internal/ingeststub"
	"github.com/wondertwin-ai/kitchensink/internal/storage"
)

// DefaultSettle bounds how long expectations wait for deferred server events.
const DefaultSettle = 3 * time.Second

// StepResult records the outcome of a single step or expectation.
type StepResult struct {
	Name     string
	Passed   bool
	Duration time.Duration
	Error    string // empty when passed
}

// Result records the outcome of an entire scenario.
type Result struct {
	ScenarioName string
	DistinctID   string
	Passed       bool
	Steps        []StepResult
	Duration     time.Duration
}

// Config points a Runner at a running app and its ingest stub.
type Config struct {
	BaseURL     string
	StubURL     string
	IngestPath  string
	APIKey      string
	Environment flags.Environment
	Settle      time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Runner executes scenarios in a fresh tab each.
type Runner struct {
	cfg   Config
	admin *client.AdminClient
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, admin: client.New(cfg.StubURL)}
}

// Run executes a single scenario and returns its result.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Result, error) {
	start := time.Now()
	result := &Result{ScenarioName: s.Name, Passed: true}

	// --- Setup phase ---
	if err := r.admin.Reset(ctx); err != nil {
		return nil, fmt.Errorf("setup failed: %w", err)
	}
	if len(s.Flags) > 0 {
		if err := r.admin.SetFlags(ctx, s.FlagTable()); err != nil {
			return nil, fmt.Errorf("setup failed: %w", err)
		}
	}

	tab := browser.NewTab(browser.Options{
		BaseURL:     r.cfg.BaseURL,
		IngestPath:  r.cfg.IngestPath,
		APIKey:      r.cfg.APIKey,
		Environment: r.cfg.Environment,
		Storage:     storage.NewMemory(),
		HTTPClient:  r.cfg.HTTPClient,
		Logger:      r.cfg.Logger,
	})
	result.DistinctID = tab.DistinctID()

	flagCtx, cancel := context.WithTimeout(ctx, r.cfg.Settle)
	if err := tab.WaitForFlags(flagCtx); err != nil {
		r.cfg.Logger.Warn("flags not ready, using defaults", "scenario", s.Name, "err", err)
	}
	cancel()

	// --- Steps phase ---
	for i := range s.Steps {
		sr := r.runStep(ctx, tab, &s.Steps[i])
		result.Steps = append(result.Steps, sr)
		if !sr.Passed {
			result.Passed = false
		}
	}

	// Closing flushes the tab's queued client events.
	if err := tab.Close(ctx); err != nil {
		return nil, fmt.Errorf("closing tab: %w", err)
	}

	// --- Expectations phase ---
	for _, sr := range r.checkExpectations(ctx, s.Expect, result.DistinctID) {
		result.Steps = append(result.Steps, sr)
		if !sr.Passed {
			result.Passed = false
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// runStep performs one tab action and checks the resulting page.
func (r *Runner) runStep(ctx context.Context, tab *browser.Tab, step *Step) StepResult {
	start := time.Now()
	sr := StepResult{Name: step.Name}
	if sr.Name == "" {
		sr.Name = step.Action + " " + step.Path
	}

	var page *browser.Page
	var err error
	switch step.Action {
	case ActionOpen:
		page, err = tab.Open(ctx, step.Path)
	case ActionClickNext:
		page, err = tab.ClickNext(ctx)
	case ActionHide:
		err = tab.Hide(ctx)
	case ActionUnload:
		err = tab.Unload(ctx)
	default:
		err = fmt.Errorf("unknown action %q", step.Action)
	}
	sr.Duration = time.Since(start)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}

	if page != nil {
		if step.Assert.Status != 0 && page.StatusCode != step.Assert.Status {
			sr.Error = fmt.Sprintf("expected status %d, got %d", step.Assert.Status, page.StatusCode)
			return sr
		}
		if step.Assert.Path != "" && page.Path != step.Assert.Path {
			sr.Error = fmt.Sprintf("expected path %q, got %q", step.Assert.Path, page.Path)
			return sr
		}
		if step.Assert.BodyContains != "" && !strings.Contains(page.Body, step.Assert.BodyContains) {
			sr.Error = fmt.Sprintf("body does not contain %q", step.Assert.BodyContains)
			return sr
		}
	}

	sr.Passed = true
	return sr
}

// checkExpectations polls the stub until every expectation holds or the
// settle window closes. Server events arrive after the responses that
// scheduled them, so a single read is not enough.
func (r *Runner) checkExpectations(ctx context.Context, expect []Expectation, distinctID string) []StepResult {
	if len(expect) == 0 {
		return nil
	}
	start := time.Now()
	deadline := start.Add(r.cfg.Settle)

	for {
		events, err := r.admin.Events(ctx, "", distinctID)
		results := make([]StepResult, len(expect))
		allPassed := true
		for i, e := range expect {
			results[i] = StepResult{Name: "expect " + e.Event}
			if err != nil {
				results[i].Error = fmt.Sprintf("listing events: %v", err)
			} else if msg := e.check(events); msg != "" {
				results[i].Error = msg
			} else {
				results[i].Passed = true
			}
			allPassed = allPassed && results[i].Passed
		}

		if allPassed || time.Now().After(deadline) || ctx.Err() != nil {
			for i := range results {
				results[i].Duration = time.Since(start)
			}
			return results
		}
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// check returns an empty string when events satisfy e.
func (e Expectation) check(events []ingeststub.CapturedEvent) string {
	matched := 0
	var lastMismatch string
	for _, evt := range events {
		if evt.Event != e.Event {
			continue
		}
		if msg := matchProperties(evt.Properties, e.Properties); msg != "" {
			lastMismatch = msg
			continue
		}
		matched++
	}

	switch {
	case e.Count == nil && matched == 0:
		if lastMismatch != "" {
			return fmt.Sprintf("no %s event matched: %s", e.Event, lastMismatch)
		}
		return fmt.Sprintf("no %s event received", e.Event)
	case e.Count != nil && matched != *e.Count:
		return fmt.Sprintf("expected %d %s events, got %d", *e.Count, e.Event, matched)
	}
	return ""
}

// matchProperties compares by string rendering, so YAML "3" matches JSON 3.
func matchProperties(got map[string]any, want map[string]string) string {
	for key, expected := range want {
		actual, ok := got[key]
		if !ok {
			return fmt.Sprintf("property %q not found", key)
		}
		if s := fmt.Sprintf("%v", actual); s != expected {
			return fmt.Sprintf("property %q expected %q, got %q", key, expected, s)
		}
	}
	return ""
}
