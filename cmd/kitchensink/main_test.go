package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wondertwin-ai/kitchensink/internal/flags"
	"github.com/wondertwin-ai/kitchensink/internal/funnel"
	"github.com/wondertwin-ai/kitchensink/internal/ingeststub"
	"github.com/wondertwin-ai/kitchensink/internal/testutil"
	"github.com/wondertwin-ai/kitchensink/internal/web"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kitchensink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestFlagsCommand(t *testing.T) {
	out, err := execute(t, "flags", "--env", "production", "-c", filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "environment: production")
	assert.Contains(t, out, "PRODUCTION_EXP_BRIGHTER_RED_STEP2")
	assert.Contains(t, out, "PRODUCTION_FX_CONFETTI_FINISH")
}

func TestFlagsCommandFromConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cfg := writeConfig(t, "environment: development\n")
	out, err := execute(t, "flags", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "DEV_START_ALT_PAGE")
}

func TestFlagsCommandRejectsUnknownEnv(t *testing.T) {
	_, err := execute(t, "flags", "--env", "staging")
	var usage usageError
	assert.ErrorAs(t, err, &usage)
}

func TestParseFlagTable(t *testing.T) {
	got, err := parseFlagTable([]string{"A=true", "B=false", "C=alt", " D = 1 "})
	require.NoError(t, err)
	assert.Equal(t, []ingeststub.FeatureFlag{
		{Key: "A", Enabled: true},
		{Key: "B", Enabled: false},
		{Key: "C", Enabled: true, Variant: "alt"},
		{Key: "D", Enabled: true},
	}, got)

	_, err = parseFlagTable([]string{"missing-value"})
	assert.Error(t, err)
	_, err = parseFlagTable([]string{"=true"})
	assert.Error(t, err)
}

func TestOriginFor(t *testing.T) {
	assert.Equal(t, "http://localhost:3000", originFor(":3000"))
	assert.Equal(t, "http://127.0.0.1:8080", originFor("127.0.0.1:8080"))
}

func TestWalkValidatesFlags(t *testing.T) {
	_, err := execute(t, "walk", "--abandon-at", "9")
	var usage usageError
	require.ErrorAs(t, err, &usage)

	_, err = execute(t, "walk", "--reason", "closed-lid")
	require.ErrorAs(t, err, &usage)
}

func TestWalkAbandonsThroughApp(t *testing.T) {
	t.Setenv("APP_ENV", "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := ingeststub.NewMemoryStore()
	stub := httptest.NewServer(ingeststub.NewHandler(store, logger).Router())
	t.Cleanup(stub.Close)

	serverRec := testutil.NewRecorder()
	app, err := web.New(web.Options{
		Environment:     flags.Test,
		Upstream:        stub.URL,
		ServerTransport: serverRec.Factory(),
		DeferredTimeout: time.Second,
		Logger:          logger,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)

	cfg := writeConfig(t, "environment: test\nstorage_dir: "+t.TempDir()+"\nclient:\n  batch_size: 50\n  flush_interval: 1h\n")
	out, err := execute(t, "walk", "-c", cfg, "--base-url", srv.URL, "--abandon-at", "3", "--reason", "both")
	require.NoError(t, err)
	assert.Contains(t, out, "abandoned at step 3 (both)")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Hook.Wait(ctx))

	var viewed []int
	for _, e := range store.Events.List() {
		if e.Event == funnel.EventStepViewed {
			idx, _ := e.Properties["step_index"].(float64)
			viewed = append(viewed, int(idx))
		}
	}
	assert.Equal(t, []int{1, 2, 3}, viewed, "the tab flushes its queue on close")

	abandoned := serverRec.Named(funnel.EventFunnelAbandoned)
	require.Len(t, abandoned, 2)
	line := strings.SplitN(out, "\n", 2)[0]
	assert.True(t, strings.HasSuffix(line, abandoned[0].DistinctID), "server events carry the tab identity")
}

func TestCheckCommand(t *testing.T) {
	t.Setenv("APP_ENV", "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stub := httptest.NewServer(ingeststub.NewHandler(ingeststub.NewMemoryStore(), logger).Router())
	t.Cleanup(stub.Close)
	app, err := web.New(web.Options{
		Environment:     flags.Test,
		Upstream:        stub.URL,
		ServerTransport: testutil.NewRecorder().Factory(),
		Logger:          logger,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "views.yaml"), []byte(`
name: "views"
steps:
  - action: open
    path: /steps/4
  - action: click_next
    assert:
      path: /steps/5
expect:
  - event: step_viewed
    count: 2
  - event: step_next_clicked
    properties:
      step_index: "4"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(`
name: "broken"
steps:
  - action: open
    path: /steps/1
expect:
  - event: flow_completed
`), 0o644))

	cfg := writeConfig(t, "environment: test\n")
	out, err := execute(t, "check", "-c", cfg, "--base-url", srv.URL, "--stub-url", stub.URL, "--settle", "200ms", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 scenarios failed")
	assert.Contains(t, out, "PASS views")
	assert.Contains(t, out, "FAIL broken")
	assert.Contains(t, out, "fail expect flow_completed")
}

func TestCheckCommandMissingPath(t *testing.T) {
	_, err := execute(t, "check", filepath.Join(t.TempDir(), "nope"))
	var usage usageError
	assert.ErrorAs(t, err, &usage)
}

func TestServeWithStubStopsStubAfterApp(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	appDone := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- serveWithStub(ctx,
			func(ctx context.Context) error {
				<-ctx.Done()
				time.Sleep(50 * time.Millisecond)
				record("app")
				close(appDone)
				return nil
			},
			func(ctx context.Context) error {
				<-ctx.Done()
				select {
				case <-appDone:
				default:
					t.Error("stub stopped before the app finished shutting down")
				}
				record("stub")
				return nil
			},
		)
	}()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serveWithStub did not return")
	}
	assert.Equal(t, []string{"app", "stub"}, order)
}

func TestServeWithStubFailureStopsApp(t *testing.T) {
	bindErr := errors.New("address already in use")
	err := serveWithStub(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		func(ctx context.Context) error { return bindErr },
	)
	assert.ErrorIs(t, err, bindErr)
}

func TestServeWithoutStub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := serveWithStub(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, nil)
	assert.NoError(t, err)
}
