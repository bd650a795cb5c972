package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/l0p7/topscores/internal/metrics"
	"github.com/l0p7/topscores/internal/ranking"
)

// Engine is the ranking surface served over HTTP. *ranking.Engine satisfies it.
type Engine interface {
	Settings() ranking.Settings
	SubmitBatch(ctx context.Context, batch ranking.Batch, location string) bool
	TopList(ctx context.Context, topN int, control, location string) (ranking.Ranked, error)
	FlushAll(ctx context.Context) error
	Reflag(ctx context.Context) (ranking.ReflagReport, error)
	DeepReflag(ctx context.Context) (ranking.ReflagReport, error)
	ReconcileLocation(ctx context.Context, location string) ([]ranking.ReconcileReport, error)
	ReconcileAggregates(ctx context.Context) ([]ranking.ReconcileReport, error)
	ReconcileRandom(ctx context.Context) (string, []ranking.ReconcileReport, error)
	Sweep(ctx context.Context) (ranking.SweepReport, error)
	PruneInvisible(ctx context.Context, location string) ([]ranking.PruneReport, error)
	PruneRandom(ctx context.Context) (string, []ranking.PruneReport, error)
}

// RouterOptions carries the request shaping knobs and the backend names
// reported by the health endpoint.
type RouterOptions struct {
	LocationHeader string
	MaxBodyBytes   int64
	StoreBackend   string
	CacheBackend   string
	Metrics        *metrics.Recorder
}

type handlers struct {
	engine   Engine
	opts     RouterOptions
	logger   *slog.Logger
	adminLog *slog.Logger
}

// NewRouter mounts the client, admin, health and metrics routes.
func NewRouter(engine Engine, logger *slog.Logger, opts RouterOptions) http.Handler {
	if opts.LocationHeader == "" {
		opts.LocationHeader = "X-Country-Code"
	}
	h := &handlers{
		engine:   engine,
		opts:     opts,
		logger:   logger.With(slog.String("agent", "http")),
		adminLog: logger.With(slog.String("agent", "admin")),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe(opts.Metrics))

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	r.Get("/ras", h.requestAndSubmit)
	r.Post("/ras", h.requestAndSubmit)

	r.Route("/admin", func(r chi.Router) {
		admin := func(pattern string, fn http.HandlerFunc) {
			r.Get(pattern, fn)
			r.Post(pattern, fn)
		}
		admin("/flush", h.flush)
		admin("/reflag", h.reflag)
		admin("/reflag/deep", h.deepReflag)
		admin("/reconcile/location/{location}", h.reconcileLocation)
		admin("/reconcile/aggregates", h.reconcileAggregates)
		admin("/reconcile/random", h.reconcileRandom)
		admin("/reconcile/next", h.sweep)
		admin("/prune/random", h.pruneRandom)
		admin("/prune/location/{location}", h.pruneLocation)
	})
	return r
}

// observe records status and latency per matched route pattern.
func observe(rec *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec.ObserveHTTP(route, status, time.Since(start))
		})
	}
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"store":  h.opts.StoreBackend,
		"cache":  h.opts.CacheBackend,
	})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
