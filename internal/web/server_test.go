package web_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/wondertwin-ai/kitchensink/internal/capture"
	"github.com/wondertwin-ai/kitchensink/internal/envelope"
	"github.com/wondertwin-ai/kitchensink/internal/flags"
	"github.com/wondertwin-ai/kitchensink/internal/funnel"
	"github.com/wondertwin-ai/kitchensink/internal/identity"
	"github.com/wondertwin-ai/kitchensink/internal/ingeststub"
	"github.com/wondertwin-ai/kitchensink/internal/testutil"
	"github.com/wondertwin-ai/kitchensink/internal/web"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, opts web.Options) (*web.Server, *testutil.AppClient) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Environment == "" {
		opts.Environment = flags.Test
	}
	if opts.DeferredTimeout == 0 {
		opts.DeferredTimeout = time.Second
	}
	app, err := web.New(opts)
	if err != nil {
		t.Fatalf("web.New: %v", err)
	}
	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)
	return app, testutil.NewAppClient(t, srv)
}

func settle(t *testing.T, app *web.Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Hook.Wait(ctx); err != nil {
		t.Fatalf("waiting for deferred work: %v", err)
	}
}

func prop(e envelope.Envelope, key string) any {
	v, _ := e.Property(key)
	return v
}

func TestHealthz(t *testing.T) {
	_, c := setup(t, web.Options{Metadata: envelope.Metadata{AppVersion: "1.2.3", BuildSHA: "abc"}})

	m := c.Get("/healthz").AssertStatus(http.StatusOK).JSONMap()
	if m["status"] != "ok" {
		t.Errorf("status = %v, want ok", m["status"])
	}
	if m["environment"] != "test" {
		t.Errorf("environment = %v, want test", m["environment"])
	}
	if m["app_version"] != "1.2.3" {
		t.Errorf("app_version = %v, want 1.2.3", m["app_version"])
	}
}

func TestPagesRenderWithDefaults(t *testing.T) {
	rec := testutil.NewRecorder()
	_, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	home := c.Get("/").AssertStatus(http.StatusOK).AssertBodyContains("Start 7-Step Rainbow Flow")
	if strings.Contains(string(home.Body), "Rainbow Journey Awaits") {
		t.Error("alt start page rendered with the flag unset")
	}

	step := c.Get("/steps/1").AssertStatus(http.StatusOK).AssertBodyContains("Step 1: Red - Getting Started")
	if strings.Contains(string(step.Body), "bg-red-bright") {
		t.Error("brighter button rendered with the flag unset")
	}
	step.AssertBodyContains(`action="/steps/1/next"`)

	finish := c.Get("/finish").AssertStatus(http.StatusOK).AssertBodyContains("Flow Completed!")
	if strings.Contains(string(finish.Body), "data-confetti") {
		t.Error("confetti rendered with the flag unset")
	}

	c.Get("/success").AssertStatus(http.StatusOK).AssertBodyContains("Form Submitted Successfully!")

	if got := rec.Builds(); got != rec.Closes() {
		t.Errorf("builds = %d, closes = %d; every flag channel must be shut down", got, rec.Closes())
	}
}

func TestPagesFollowServerFlags(t *testing.T) {
	rec := testutil.NewRecorder()
	rec.SetFlags(map[string]any{
		"TEST_START_ALT_PAGE":         true,
		"TEST_EXP_BRIGHTER_RED_STEP2": true,
		"TEST_FX_CONFETTI_FINISH":     true,
	})
	_, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	c.Get("/").AssertBodyContains("Rainbow Journey Awaits")
	c.Get("/steps/1").AssertBodyContains("bg-red-bright")
	step2 := c.Get("/steps/2")
	if strings.Contains(string(step2.Body), "bg-red-bright") {
		t.Error("brighter button applies to step 1 only")
	}
	c.Get("/finish").AssertBodyContains(`data-confetti="on"`)
}

func TestFlagsIgnoredForOtherEnvironment(t *testing.T) {
	rec := testutil.NewRecorder()
	rec.SetFlags(map[string]any{"PRODUCTION_START_ALT_PAGE": true})
	_, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	home := c.Get("/")
	if strings.Contains(string(home.Body), "Rainbow Journey Awaits") {
		t.Error("test environment read a prod flag")
	}
}

func TestFlagFailureRendersDefault(t *testing.T) {
	rec := testutil.NewRecorder()
	rec.FailFlags(io.ErrUnexpectedEOF)
	_, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	c.Get("/").AssertStatus(http.StatusOK).AssertBodyContains("Start 7-Step Rainbow Flow")
}

func TestInvalidStepRendersLoading(t *testing.T) {
	_, c := setup(t, web.Options{})

	for _, path := range []string{"/steps/0", "/steps/8", "/steps/abc", "/steps/-1"} {
		c.Get(path).AssertStatus(http.StatusOK).AssertBodyContains("Loading...")
	}
}

func TestStepCarriesDistinctID(t *testing.T) {
	_, c := setup(t, web.Options{})
	c.Headers[identity.Header] = "user_abc"

	c.Get("/steps/4").AssertBodyContains(`value="user_abc"`)
}

func TestNextRedirectsThenAcks(t *testing.T) {
	rec := testutil.NewRecorder()
	app, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	c.PostForm("/steps/3/next", map[string]string{identity.FormField: "user_abc"}).
		AssertRedirect("/steps/4")

	settle(t, app)
	acks := rec.Named(funnel.EventStepNextServerAck)
	if len(acks) != 1 {
		t.Fatalf("got %d acks, want 1", len(acks))
	}
	if acks[0].DistinctID != "user_abc" {
		t.Errorf("distinct id = %q, want user_abc", acks[0].DistinctID)
	}
	if got := prop(acks[0], "step_index"); got != 3 {
		t.Errorf("step_index = %v, want 3", got)
	}
	if rec.Builds() != 1 || rec.Closes() != 1 {
		t.Errorf("builds/closes = %d/%d, want 1/1", rec.Builds(), rec.Closes())
	}
}

func TestLastStepRedirectsToFinish(t *testing.T) {
	rec := testutil.NewRecorder()
	app, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	started := time.Now().Add(-30 * time.Second).UnixMilli()
	c.PostForm("/steps/7/next", map[string]string{
		identity.FormField:    "user_abc",
		funnel.StartedAtField: strconv.FormatInt(started, 10),
	}).AssertRedirect(funnel.FinishPath)

	settle(t, app)
	done := rec.Named(funnel.EventFlowCompleted)
	if len(done) != 1 {
		t.Fatalf("got %d flow_completed, want 1", len(done))
	}
	ms, ok := prop(done[0], "total_duration_ms").(int64)
	if !ok || ms < 30_000 {
		t.Errorf("total_duration_ms = %v, want >= 30000", prop(done[0], "total_duration_ms"))
	}
}

func TestInvalidNext(t *testing.T) {
	rec := testutil.NewRecorder()
	app, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	c.PostForm("/steps/9/next", map[string]string{identity.FormField: "user_abc"}).
		AssertStatus(http.StatusBadRequest)
	c.PostForm("/steps/0/abandon", map[string]string{identity.FormField: "user_abc"}).
		AssertStatus(http.StatusBadRequest)

	settle(t, app)
	if n := len(rec.Events()); n != 0 {
		t.Errorf("got %d events for rejected actions", n)
	}
}

func TestAbandon(t *testing.T) {
	rec := testutil.NewRecorder()
	app, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	c.PostForm("/steps/2/abandon", map[string]string{
		identity.FormField: "user_abc",
		"reason":           "page_leave",
	}).AssertStatus(http.StatusNoContent)
	c.PostForm("/steps/2/abandon", map[string]string{
		identity.FormField: "user_abc",
		"reason":           "closed-laptop",
	}).AssertStatus(http.StatusNoContent)

	settle(t, app)
	got := rec.Named(funnel.EventFunnelAbandoned)
	if len(got) != 2 {
		t.Fatalf("got %d abandonments, want 2", len(got))
	}
	reasons := map[any]bool{}
	for _, e := range got {
		reasons[prop(e, "abandonment_reason")] = true
	}
	if !reasons["page_leave"] || !reasons["unknown"] {
		t.Errorf("reasons = %v, want page_leave and unknown", reasons)
	}
}

func TestTrackEvent(t *testing.T) {
	rec := testutil.NewRecorder()
	app, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	m := c.Post("/events", map[string]any{
		"event":       "button_hovered",
		"distinct_id": "user_abc",
		"properties":  map[string]any{"button": "next"},
	}).AssertStatus(http.StatusAccepted).JSONMap()
	if m["status"] != "accepted" {
		t.Errorf("status = %v, want accepted", m["status"])
	}

	c.Post("/events", map[string]any{"distinct_id": "user_abc"}).AssertStatus(http.StatusBadRequest)

	settle(t, app)
	got := rec.Named("button_hovered")
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if prop(got[0], "button") != "next" {
		t.Errorf("button = %v, want next", prop(got[0], "button"))
	}
}

func TestTrackEventInvalidIdentityFallsBack(t *testing.T) {
	rec := testutil.NewRecorder()
	app, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	for _, id := range []string{"   ", "undefined", "null"} {
		c.Post("/events", map[string]any{"event": "blank_id", "distinct_id": id}).
			AssertStatus(http.StatusAccepted)
	}

	req, _ := http.NewRequest(http.MethodPost, c.BaseURL+"/events",
		strings.NewReader(`{"event":"header_id","distinct_id":"undefined"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.Header, "user_header")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	c.Post("/events", map[string]any{"event": "padded_id", "distinct_id": "  user_abc "}).
		AssertStatus(http.StatusAccepted)

	settle(t, app)
	blank := rec.Named("blank_id")
	if len(blank) != 3 {
		t.Fatalf("got %d blank_id events, want 3", len(blank))
	}
	for _, e := range blank {
		if e.DistinctID != identity.Anonymous {
			t.Errorf("distinct id = %q, want %q", e.DistinctID, identity.Anonymous)
		}
	}
	if got := rec.Named("header_id"); len(got) != 1 || got[0].DistinctID != "user_header" {
		t.Errorf("header_id events = %+v, want one for user_header", got)
	}
	if got := rec.Named("padded_id"); len(got) != 1 || got[0].DistinctID != "user_abc" {
		t.Errorf("padded_id events = %+v, want one for user_abc", got)
	}
}

func TestTrackEventRejectsBadJSON(t *testing.T) {
	_, c := setup(t, web.Options{})

	req, _ := http.NewRequest(http.MethodPost, c.BaseURL+"/events", strings.NewReader("{not json"))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAnonymousFallback(t *testing.T) {
	rec := testutil.NewRecorder()
	app, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	c.PostForm("/steps/1/next", nil).AssertRedirect("/steps/2")

	settle(t, app)
	acks := rec.Named(funnel.EventStepNextServerAck)
	if len(acks) != 1 {
		t.Fatalf("got %d acks, want 1", len(acks))
	}
	if acks[0].DistinctID != identity.Anonymous {
		t.Errorf("distinct id = %q, want %q", acks[0].DistinctID, identity.Anonymous)
	}
}

func TestCaptureFailureDoesNotAffectResponse(t *testing.T) {
	rec := testutil.NewRecorder()
	rec.FailSends(io.ErrClosedPipe)
	app, c := setup(t, web.Options{ServerTransport: rec.Factory()})

	c.PostForm("/steps/5/next", map[string]string{identity.FormField: "user_abc"}).
		AssertRedirect("/steps/6")

	settle(t, app)
	if stats := app.Hook.Stats(); stats.Ran != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want one failed callback", stats)
	}
}

func TestNoServerTransport(t *testing.T) {
	app, c := setup(t, web.Options{})

	c.Get("/").AssertStatus(http.StatusOK)
	c.PostForm("/steps/1/next", map[string]string{identity.FormField: "user_abc"}).
		AssertRedirect("/steps/2")
	settle(t, app)
}

func TestIngestProxyWithoutUpstream(t *testing.T) {
	_, c := setup(t, web.Options{})

	c.Post("/ingest/batch/", map[string]any{"batch": []any{}}).AssertStatus(http.StatusServiceUnavailable)
}

func TestIngestProxyUnreachableUpstream(t *testing.T) {
	_, c := setup(t, web.Options{Upstream: "http://127.0.0.1:1"})

	c.Post("/ingest/batch/", map[string]any{"batch": []any{}}).AssertStatus(http.StatusBadGateway)
}

func TestInvalidUpstream(t *testing.T) {
	_, err := web.New(web.Options{Upstream: "::not a url", Logger: quietLogger()})
	if err == nil {
		t.Fatal("expected an error for an invalid upstream")
	}
}

func TestIngestProxyForwardsToStub(t *testing.T) {
	store := ingeststub.NewMemoryStore()
	store.SetFeatureFlag(ingeststub.FeatureFlag{Key: "TEST_FX_CONFETTI_FINISH", Enabled: true})
	stub := httptest.NewServer(ingeststub.NewHandler(store, quietLogger()).Router())
	t.Cleanup(stub.Close)

	app, err := web.New(web.Options{
		Environment: flags.Test,
		Upstream:    stub.URL,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("web.New: %v", err)
	}
	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)

	tr := capture.NewBatchTransport(capture.BatchConfig{
		Endpoint:      srv.URL + "/ingest",
		APIKey:        "phc_local",
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})
	b := envelope.NewBuilder(envelope.Metadata{Environment: "test"}, nil)
	env, err := b.BuildClient(funnel.EventStepViewed, "user_abc", map[string]any{"step_index": 1}, envelope.ClientContext{SessionID: "s1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := tr.Send(env); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := tr.Flags(ctx, "user_abc")
	if err != nil {
		t.Fatalf("flags through proxy: %v", err)
	}
	if got["TEST_FX_CONFETTI_FINISH"] != true {
		t.Errorf("flags = %v, want confetti on", got)
	}
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := store.Events.List()
	if len(events) != 1 {
		t.Fatalf("stub stored %d events, want 1", len(events))
	}
	if events[0].Event != funnel.EventStepViewed || events[0].DistinctID != "user_abc" {
		t.Errorf("stored %+v", events[0])
	}
}

func TestAdminEndpoints(t *testing.T) {
	rec := testutil.NewRecorder()
	app, c := setup(t, web.Options{ServerTransport: rec.Factory()})
	c.Headers[identity.Header] = "user_abc"

	c.Get("/steps/2")
	c.PostForm("/steps/2/next", map[string]string{identity.FormField: "user_abc"})
	settle(t, app)

	// The log entry lands after the deferred phase returns.
	var entries []web.RequestLogEntry
	deadline := time.Now().Add(2 * time.Second)
	for len(app.ReqLog.Entries()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Get("/admin/requests").AssertStatus(http.StatusOK).JSON(&entries)
	if len(entries) < 2 {
		t.Fatalf("got %d log entries, want at least 2", len(entries))
	}
	if entries[0].Path != "/steps/2" || entries[0].DistinctID != "user_abc" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].StatusCode != http.StatusSeeOther {
		t.Errorf("next status = %d, want 303", entries[1].StatusCode)
	}
	if entries[0].RequestID == "" {
		t.Error("request id not recorded")
	}

	m := c.Get("/admin/deferred").AssertStatus(http.StatusOK).JSONMap()
	if m["ran"] != float64(1) {
		t.Errorf("ran = %v, want 1", m["ran"])
	}
}
