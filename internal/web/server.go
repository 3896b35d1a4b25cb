// Package web is the server half of the kitchensink app: the funnel pages,
// the server actions, and the same-origin ingest proxy.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wondertwin-ai/kitchensink/internal/capture"
	"github.com/wondertwin-ai/kitchensink/internal/deferred"
	"github.com/wondertwin-ai/kitchensink/internal/envelope"
	"github.com/wondertwin-ai/kitchensink/internal/flags"
	"github.com/wondertwin-ai/kitchensink/internal/funnel"
)

// FlagTimeout bounds server flag evaluation while rendering a page.
const FlagTimeout = 2 * time.Second

// Options configures a Server.
type Options struct {
	Environment     flags.Environment
	Metadata        envelope.Metadata
	IngestPath      string // same-origin prefix proxied to Upstream
	Upstream        string
	ServerTransport capture.TransportFactory
	DeferredTimeout time.Duration
	Logger          *slog.Logger
}

// Server routes the app. It implements http.Handler so tests can mount it
// on httptest directly.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger
	Hook   *deferred.Hook
	ReqLog *RequestLog

	opts    Options
	gate    *flags.Gate
	builder *envelope.Builder
	actions *funnel.Actions
	pages   pages
}

// New builds the router and parses the page templates.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IngestPath == "" {
		opts.IngestPath = "/ingest"
	}
	if !opts.Environment.Valid() {
		opts.Environment = flags.Local
	}
	if opts.Metadata.Environment == "" {
		opts.Metadata.Environment = string(opts.Environment)
	}

	p, err := parsePages()
	if err != nil {
		return nil, err
	}

	builder := envelope.NewBuilder(opts.Metadata, nil)
	s := &Server{
		Router:  chi.NewRouter(),
		Logger:  opts.Logger,
		Hook:    deferred.New(opts.Logger, opts.DeferredTimeout),
		ReqLog:  NewRequestLog(1000),
		opts:    opts,
		gate:    flags.NewGate(opts.Environment),
		builder: builder,
		actions: funnel.NewActions(opts.ServerTransport, builder, opts.Logger),
		pages:   p,
	}

	proxy, err := newIngestProxy(opts.IngestPath, opts.Upstream, opts.Logger)
	if err != nil {
		return nil, err
	}

	r := s.Router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logRequests(s.ReqLog, s.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/admin/requests", s.handleRequestLog)
	r.Get("/admin/deferred", s.handleDeferredStats)
	r.Handle(opts.IngestPath, proxy)
	r.Handle(opts.IngestPath+"/*", proxy)

	r.Group(func(r chi.Router) {
		r.Use(s.Hook.Middleware)

		r.Get("/", s.handleHome)
		r.Get("/steps/{index}", s.handleStep)
		r.Post("/steps/{index}/next", s.handleNext)
		r.Post("/steps/{index}/abandon", s.handleAbandon)
		r.Post("/events", s.handleTrackEvent)
		r.Get("/finish", s.handleFinish)
		r.Get("/success", s.handleSuccess)
	})

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// Serve listens on addr until ctx ends, then shuts down gracefully. Requests
// in their deferred phase are allowed to finish.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("starting kitchensink",
			"addr", ln.Addr().String(),
			"environment", s.opts.Environment,
			"app_version", s.opts.Metadata.AppVersion,
		)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Logger.Info("shutting down kitchensink")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.Hook.Wait(shutdownCtx)
}

func (s *Server) base(r *http.Request, title string) pageData {
	return pageData{
		Title:       title,
		Route:       r.URL.Path,
		Environment: string(s.opts.Environment),
		IngestPath:  s.opts.IngestPath,
		TotalSteps:  funnel.TotalSteps,
	}
}

// serverFlag evaluates name for distinctID on a channel scoped to this call.
func (s *Server) serverFlag(r *http.Request, distinctID string, name flags.Name) any {
	if s.opts.ServerTransport == nil {
		return nil
	}
	ch := capture.NewServerChannel(s.opts.ServerTransport, s.builder, s.Logger)
	ctx, cancel := context.WithTimeout(r.Context(), FlagTimeout)
	defer cancel()
	v := s.gate.ReadServer(ctx, ch, distinctID, name)
	if err := ch.Shutdown(context.WithoutCancel(r.Context())); err != nil {
		s.Logger.Warn("closing flag channel failed", "flag", name, "err", err)
	}
	return v
}
