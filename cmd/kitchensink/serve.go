package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wondertwin-ai/kitchensink/internal/capture"
	"github.com/wondertwin-ai/kitchensink/internal/config"
	"github.com/wondertwin-ai/kitchensink/internal/ingeststub"
	"github.com/wondertwin-ai/kitchensink/internal/web"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	WithStub bool
	StubPort int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the funnel app",
		Long: `Run the funnel app on the configured listen address.

With --with-stub the local ingest stub runs alongside the app and both the
ingest proxy and the server transport point at it.

Example:
  kitchensink serve --with-stub
  APP_ENV=production POSTHOG_KEY=phc_... kitchensink serve -c prod.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.WithStub, "with-stub", false, "run the ingest stub alongside the app")
	cmd.Flags().IntVar(&opts.StubPort, "stub-port", ingeststub.DefaultPort, "ingest stub port")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return usageError{fmt.Errorf("invalid config: %w", err)}
	}
	logger := opts.Logger

	upstream, serverHost := cfg.Public.Host, cfg.Server.Host
	var stub func(context.Context) error
	if opts.WithStub {
		addr := fmt.Sprintf("127.0.0.1:%d", opts.StubPort)
		h := ingeststub.NewHandler(ingeststub.NewMemoryStore(), logger.With("component", "ingeststub"))
		stub = func(ctx context.Context) error {
			return serveHandler(ctx, addr, h.Router(), logger)
		}
		upstream = "http://" + addr
		serverHost = upstream
	}

	app, err := web.New(web.Options{
		Environment: cfg.FlagEnvironment(),
		Metadata:    cfg.Metadata(),
		IngestPath:  cfg.Public.IngestPath,
		Upstream:    upstream,
		ServerTransport: capture.PostHogFactory(capture.PostHogConfig{
			APIKey:      cfg.Server.Key,
			Endpoint:    serverHost,
			FlagTimeout: web.FlagTimeout,
			Logger:      logger,
		}),
		DeferredTimeout: cfg.DeferredTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	return serveWithStub(ctx, func(ctx context.Context) error {
		return app.Serve(ctx, cfg.Listen)
	}, stub)
}

// serveWithStub runs app and, when stub is non-nil, the stub alongside it.
// The stub keeps serving until app has returned, so deferred captures
// flushed during the app's graceful shutdown still reach it. A failure in
// either stops both.
func serveWithStub(ctx context.Context, app, stub func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	stubCtx, stopStub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopStub()
	if stub != nil {
		g.Go(func() error {
			err := stub(stubCtx)
			if err == nil && stubCtx.Err() == nil {
				return errors.New("ingest stub exited early")
			}
			return err
		})
	}
	g.Go(func() error {
		defer stopStub()
		return app(ctx)
	})
	return g.Wait()
}

// serveHandler runs h on addr until ctx ends.
func serveHandler(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting ingest stub", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
