package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wondertwin-ai/kitchensink/internal/flags"
	"github.com/wondertwin-ai/kitchensink/internal/funnel"
	"github.com/wondertwin-ai/kitchensink/internal/identity"
)

// requestIdentity returns the client-supplied identity, or the anonymous
// server identity when the client sent none.
func (s *Server) requestIdentity(r *http.Request) string {
	id, ok := identity.FromRequest(r)
	if !ok {
		s.Logger.Debug("request carries no distinct id, using anonymous identity",
			"path", r.URL.Path,
			"distinct_id", identity.Anonymous,
		)
		return identity.Anonymous
	}
	return id
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	id := s.requestIdentity(r)
	data := homeData{
		pageData: s.base(r, "Rainbow Flow"),
		AltStart: flags.Enabled(s.serverFlag(r, id, flags.StartAltPage)),
	}
	s.renderPage(w, "home", data)
}

// handleStep renders the step named by the route. Indices outside the funnel
// render the loading view.
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	step, ok := funnel.ParseStep(chi.URLParam(r, "index"))
	if !ok {
		s.renderPage(w, "loading", s.base(r, "Loading"))
		return
	}
	id := s.requestIdentity(r)
	brighter := flags.Enabled(s.serverFlag(r, id, flags.BrighterRedStep2))
	s.renderPage(w, "step", newStepData(s.base(r, step.Presentation().Title), step, id, brighter))
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	step, ok := funnel.ParseStep(chi.URLParam(r, "index"))
	if !ok {
		Error(w, http.StatusBadRequest, "step index out of range")
		return
	}
	id := s.requestIdentity(r)
	startedAt := funnel.ParseStartedAt(r.FormValue(funnel.StartedAtField))

	target := s.actions.AdvanceStep(r, step, id, startedAt)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	step, ok := funnel.ParseStep(chi.URLParam(r, "index"))
	if !ok {
		Error(w, http.StatusBadRequest, "step index out of range")
		return
	}
	id := s.requestIdentity(r)
	reason := funnel.ParseAbandonReason(r.FormValue("reason"))

	s.actions.TrackAbandonment(r, step, id, reason)
	w.WriteHeader(http.StatusNoContent)
}

type trackEventRequest struct {
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`
}

func (s *Server) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var req trackEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Event == "" {
		Error(w, http.StatusBadRequest, "event is required")
		return
	}
	id := strings.TrimSpace(req.DistinctID)
	if !identity.Valid(id) {
		id = s.requestIdentity(r)
	}

	s.actions.TrackEvent(r, req.Event, id, req.Properties)
	JSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	id := s.requestIdentity(r)
	data := finishData{
		pageData: s.base(r, "Flow Completed"),
		Confetti: flags.Enabled(s.serverFlag(r, id, flags.ConfettiFinish)),
	}
	s.renderPage(w, "finish", data)
}

func (s *Server) handleSuccess(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, "success", s.base(r, "Success"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.opts.Environment,
		"app_version": s.opts.Metadata.AppVersion,
		"build_sha":   s.opts.Metadata.BuildSHA,
	})
}

func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.ReqLog.Entries())
}

func (s *Server) handleDeferredStats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.Hook.Stats())
}

func (s *Server) renderPage(w http.ResponseWriter, name string, data any) {
	if err := s.pages.render(w, name, data); err != nil {
		s.Logger.Error("rendering page failed", "page", name, "err", err)
		Error(w, http.StatusInternalServerError, "render failed")
	}
}
