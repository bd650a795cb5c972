package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Admin handlers are idempotent and answer with the engine's report. Failures
// still carry whatever partial report the engine produced.

func (h *handlers) adminResult(w http.ResponseWriter, r *http.Request, payload map[string]any, err error) {
	if err != nil {
		h.adminLog.Error("admin operation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		payload["error"] = err.Error()
		h.writeJSON(w, http.StatusInternalServerError, payload)
		return
	}
	h.adminLog.Info("admin operation completed", slog.String("path", r.URL.Path))
	h.writeJSON(w, http.StatusOK, payload)
}

func (h *handlers) flush(w http.ResponseWriter, r *http.Request) {
	err := h.engine.FlushAll(r.Context())
	h.adminResult(w, r, map[string]any{"flushed": err == nil}, err)
}

func (h *handlers) reflag(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Reflag(r.Context())
	h.adminResult(w, r, map[string]any{"reflag": report}, err)
}

func (h *handlers) deepReflag(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.DeepReflag(r.Context())
	h.adminResult(w, r, map[string]any{"reflag": report}, err)
}

func (h *handlers) reconcileLocation(w http.ResponseWriter, r *http.Request) {
	location, ok := h.locationParam(w, r)
	if !ok {
		return
	}
	reports, err := h.engine.ReconcileLocation(r.Context(), location)
	h.adminResult(w, r, map[string]any{"location": location, "reconciled": reports}, err)
}

func (h *handlers) reconcileAggregates(w http.ResponseWriter, r *http.Request) {
	reports, err := h.engine.ReconcileAggregates(r.Context())
	h.adminResult(w, r, map[string]any{"reconciled": reports}, err)
}

func (h *handlers) reconcileRandom(w http.ResponseWriter, r *http.Request) {
	location, reports, err := h.engine.ReconcileRandom(r.Context())
	h.adminResult(w, r, map[string]any{"location": location, "reconciled": reports}, err)
}

func (h *handlers) sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Sweep(r.Context())
	h.adminResult(w, r, map[string]any{"sweep": report}, err)
}

func (h *handlers) pruneRandom(w http.ResponseWriter, r *http.Request) {
	location, reports, err := h.engine.PruneRandom(r.Context())
	h.adminResult(w, r, map[string]any{"location": location, "pruned": reports}, err)
}

func (h *handlers) pruneLocation(w http.ResponseWriter, r *http.Request) {
	location, ok := h.locationParam(w, r)
	if !ok {
		return
	}
	settings := h.engine.Settings()
	if location == settings.World || location == settings.Week {
		h.writeError(w, http.StatusBadRequest, "prune requires a concrete location")
		return
	}
	reports, err := h.engine.PruneInvisible(r.Context(), location)
	h.adminResult(w, r, map[string]any{"location": location, "pruned": reports}, err)
}

func (h *handlers) locationParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	location := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "location")))
	if location == "" {
		h.writeError(w, http.StatusBadRequest, "location required")
		return "", false
	}
	return location, true
}
