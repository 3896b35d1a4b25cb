// Package ingeststub is a local stand-in for the hosted ingestion backend.
// It accepts the capture, batch, and flag endpoints the capture transports
// use and exposes admin endpoints for inspecting what arrived.
package ingeststub

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// DefaultPort is the port the stub listens on by default.
const DefaultPort = 12114

// Handler holds all stub handler state.
type Handler struct {
	store  *MemoryStore
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a handler over s.
func NewHandler(s *MemoryStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, logger: logger, now: time.Now}
}

// Router returns a chi router with every stub route mounted.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	h.Routes(r)
	return r
}

// Routes mounts the ingestion API and admin routes.
func (h *Handler) Routes(r chi.Router) {
	for _, p := range []string{"/capture", "/capture/", "/e", "/e/", "/i/v0/e/"} {
		r.Post(p, h.CaptureEvent)
	}
	r.Post("/batch", h.BatchCapture)
	r.Post("/batch/", h.BatchCapture)
	r.Post("/decide", h.Decide)
	r.Post("/decide/", h.Decide)
	r.Post("/flags", h.Decide)
	r.Post("/flags/", h.Decide)

	r.Get("/admin/events", h.AdminListEvents)
	r.Get("/admin/feature-flags", h.AdminGetFeatureFlags)
	r.Post("/admin/feature-flags", h.AdminSetFeatureFlags)
	r.Post("/admin/reset", h.AdminReset)
	r.Get("/admin/health", h.AdminHealth)
}

type captureRequest struct {
	APIKey     string         `json:"api_key"`
	UUID       string         `json:"uuid"`
	Type       string         `json:"type"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
}

type batchRequest struct {
	APIKey string           `json:"api_key"`
	Batch  []captureRequest `json:"batch"`
}

type decideRequest struct {
	APIKey     string `json:"api_key"`
	Token      string `json:"token"`
	DistinctID string `json:"distinct_id"`
}

// decodeBody reads a JSON body, transparently handling gzip.
func decodeBody(r *http.Request, v any) error {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return err
		}
		defer gz.Close()
		body = gz
	}
	return json.NewDecoder(body).Decode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"status": 0, "error": msg})
}

// CaptureEvent handles POST /capture and POST /e.
func (h *Handler) CaptureEvent(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.Event == "" {
		badRequest(w, "event field is required")
		return
	}
	h.storeEvent(req)
	writeJSON(w, http.StatusOK, map[string]any{"status": 1})
}

// BatchCapture handles POST /batch.
func (h *Handler) BatchCapture(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}
	for _, event := range req.Batch {
		if event.APIKey == "" {
			event.APIKey = req.APIKey
		}
		if event.Event == "" {
			continue
		}
		h.storeEvent(event)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": 1})
}

// Decide handles POST /decide and POST /flags. Both shapes are returned so
// clients of either endpoint version can read the evaluation.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}

	values := h.store.Evaluate()
	detailed := make(map[string]any, len(values))
	payloads := make(map[string]any, len(values))
	for key, v := range values {
		enabled := v != false
		entry := map[string]any{"key": key, "enabled": enabled}
		if s, ok := v.(string); ok {
			entry["variant"] = s
		}
		detailed[key] = entry
		payloads[key] = nil
	}

	h.logger.Debug("flags evaluated", "distinct_id", req.DistinctID, "flags", len(values))
	writeJSON(w, http.StatusOK, map[string]any{
		"featureFlags":              values,
		"featureFlagPayloads":       payloads,
		"flags":                     detailed,
		"errorsWhileComputingFlags": false,
	})
}

func (h *Handler) storeEvent(req captureRequest) {
	now := h.now().UTC()
	ts := req.Timestamp
	if ts == "" {
		ts = now.Format(time.RFC3339)
	}
	typ := req.Type
	if typ == "" {
		typ = "capture"
	}

	id := h.store.Events.NextID()
	h.store.Events.Set(id, CapturedEvent{
		ID:         id,
		UUID:       req.UUID,
		Type:       typ,
		Event:      req.Event,
		DistinctID: req.DistinctID,
		Properties: req.Properties,
		Timestamp:  ts,
		ReceivedAt: now,
		APIKey:     req.APIKey,
	})
}

// AdminListEvents handles GET /admin/events. It filters on ?event= and
// ?distinct_id=.
func (h *Handler) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	eventFilter := r.URL.Query().Get("event")
	distinctIDFilter := r.URL.Query().Get("distinct_id")

	events := h.store.Events.Filter(func(evt CapturedEvent) bool {
		if eventFilter != "" && evt.Event != eventFilter {
			return false
		}
		return distinctIDFilter == "" || evt.DistinctID == distinctIDFilter
	})
	if events == nil {
		events = []CapturedEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

// AdminSetFeatureFlags handles POST /admin/feature-flags.
func (h *Handler) AdminSetFeatureFlags(w http.ResponseWriter, r *http.Request) {
	var flags []FeatureFlag
	if err := json.NewDecoder(r.Body).Decode(&flags); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.store.SetFeatureFlags(flags)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "set",
		"flags":  h.store.FeatureFlags(),
	})
}

// AdminGetFeatureFlags handles GET /admin/feature-flags.
func (h *Handler) AdminGetFeatureFlags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.FeatureFlags())
}

// AdminReset handles POST /admin/reset.
func (h *Handler) AdminReset(w http.ResponseWriter, r *http.Request) {
	h.store.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

// AdminHealth handles GET /admin/health.
func (h *Handler) AdminHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"events":  h.store.Events.Count(),
		"decides": h.store.Decides(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    http.StatusText(status),
			"code":    status,
		},
	})
}
