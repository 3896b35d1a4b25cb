package scenario_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wondertwin-ai/kitchensink/internal/capture"
	"github.com/wondertwin-ai/kitchensink/internal/flags"
	"github.com/wondertwin-ai/kitchensink/internal/ingeststub"
	"github.com/wondertwin-ai/kitchensink/internal/scenario"
	"github.com/wondertwin-ai/kitchensink/internal/web"
)

// newStack starts a stub and an app whose server transport delivers to it.
func newStack(t *testing.T) (appURL, stubURL string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stub := httptest.NewServer(ingeststub.NewHandler(ingeststub.NewMemoryStore(), logger).Router())
	t.Cleanup(stub.Close)

	serverTransport := func() (capture.Transport, error) {
		return capture.NewBatchTransport(capture.BatchConfig{
			Endpoint:      stub.URL,
			FlushInterval: time.Hour,
			Logger:        logger,
		}), nil
	}
	app, err := web.New(web.Options{
		Environment:     flags.Test,
		Upstream:        stub.URL,
		ServerTransport: serverTransport,
		DeferredTimeout: time.Second,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("web.New: %v", err)
	}
	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)
	return srv.URL, stub.URL
}

func intp(n int) *int { return &n }

func newRunner(appURL, stubURL string, settle time.Duration) *scenario.Runner {
	return scenario.NewRunner(scenario.Config{
		BaseURL:     appURL,
		StubURL:     stubURL,
		APIKey:      "phc_test",
		Environment: flags.Test,
		Settle:      settle,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestRunnerPassingScenario(t *testing.T) {
	appURL, stubURL := newStack(t)
	s := &scenario.Scenario{
		Name:  "abandon at step 3",
		Flags: map[string]any{"TEST_EXP_BRIGHTER_RED_STEP2": true},
		Steps: []scenario.Step{
			{Action: scenario.ActionOpen, Path: "/steps/1", Assert: scenario.Assert{Status: 200, BodyContains: "bg-red-bright"}},
			{Action: scenario.ActionClickNext, Assert: scenario.Assert{Path: "/steps/2"}},
			{Action: scenario.ActionClickNext, Assert: scenario.Assert{Path: "/steps/3"}},
			{Action: scenario.ActionHide},
		},
		Expect: []scenario.Expectation{
			{Event: "step_viewed", Count: intp(3)},
			{Event: "step_next_clicked", Count: intp(2)},
			{Event: "step_next_server_ack", Count: intp(2)},
			{Event: "step_viewed", Properties: map[string]string{"step_index": "1", "variant_brighter_red": "true"}},
			{Event: "funnel_abandoned", Count: intp(1), Properties: map[string]string{
				"step_index":         "3",
				"abandonment_reason": "tab_switch",
			}},
		},
	}

	result, err := newRunner(appURL, stubURL, 5*time.Second).Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, sr := range result.Steps {
		if !sr.Passed {
			t.Errorf("%s: %s", sr.Name, sr.Error)
		}
	}
	if !result.Passed {
		t.Fatal("scenario failed")
	}
	if !strings.HasPrefix(result.DistinctID, "user_") {
		t.Errorf("distinct id = %q", result.DistinctID)
	}
	if len(result.Steps) != len(s.Steps)+len(s.Expect) {
		t.Errorf("got %d results, want %d", len(result.Steps), len(s.Steps)+len(s.Expect))
	}
}

func TestRunnerReportsFailures(t *testing.T) {
	appURL, stubURL := newStack(t)
	s := &scenario.Scenario{
		Name: "wrong expectations",
		Steps: []scenario.Step{
			{Name: "open finish", Action: scenario.ActionOpen, Path: "/finish", Assert: scenario.Assert{BodyContains: "data-confetti"}},
			{Name: "click off-step", Action: scenario.ActionClickNext},
		},
		Expect: []scenario.Expectation{
			{Event: "confetti_shown"},
		},
	}

	result, err := newRunner(appURL, stubURL, 200*time.Millisecond).Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Passed {
		t.Fatal("expected the scenario to fail")
	}
	if len(result.Steps) != 3 {
		t.Fatalf("got %d results, want 3", len(result.Steps))
	}
	if !strings.Contains(result.Steps[0].Error, "data-confetti") {
		t.Errorf("step 1 error = %q", result.Steps[0].Error)
	}
	if !strings.Contains(result.Steps[1].Error, "not on a funnel step") {
		t.Errorf("step 2 error = %q", result.Steps[1].Error)
	}
	if !strings.Contains(result.Steps[2].Error, "no confetti_shown event received") {
		t.Errorf("expectation error = %q", result.Steps[2].Error)
	}
}

func TestRunnerSetupFailsWithoutStub(t *testing.T) {
	appURL, _ := newStack(t)
	s := &scenario.Scenario{Name: "x", Steps: []scenario.Step{{Action: scenario.ActionHide}}}

	_, err := newRunner(appURL, "http://127.0.0.1:1", time.Second).Run(context.Background(), s)
	if err == nil || !strings.Contains(err.Error(), "setup failed") {
		t.Fatalf("err = %v, want setup failure", err)
	}
}
