package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ListLookupOutcome captures how a ranked list was served.
type ListLookupOutcome string

const (
	// ListLookupHit indicates the list came from the cache.
	ListLookupHit ListLookupOutcome = "hit"
	// ListLookupMiss indicates the list was rebuilt from the store.
	ListLookupMiss ListLookupOutcome = "miss"
	// ListLookupError indicates the store failed and an empty list was served.
	ListLookupError ListLookupOutcome = "error"
)

// InvalidationMode distinguishes selective from unconditional invalidation.
type InvalidationMode string

const (
	InvalidationSelective     InvalidationMode = "selective"
	InvalidationUnconditional InvalidationMode = "unconditional"
)

// Recorder publishes Prometheus metrics for ranking activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	listLookups   *prometheus.CounterVec
	listRebuild   *prometheus.HistogramVec
	submissions   *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	reflagged     *prometheus.CounterVec
	reconciled    *prometheus.CounterVec
	sweepVisited  prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	listLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topscores",
		Subsystem: "lists",
		Name:      "lookups_total",
		Help:      "Ranked list lookups by scope and result.",
	}, []string{"scope", "result"})

	listRebuild := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "topscores",
		Subsystem: "lists",
		Name:      "rebuild_duration_seconds",
		Help:      "Latency of rebuilding a ranked list from the store.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"scope"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topscores",
		Subsystem: "submission",
		Name:      "scores_total",
		Help:      "Individual score submissions by outcome.",
	}, []string{"outcome"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topscores",
		Subsystem: "lists",
		Name:      "invalidations_total",
		Help:      "Cached list deletions by mode and result.",
	}, []string{"mode", "result"})

	reflagged := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topscores",
		Subsystem: "rollover",
		Name:      "flagged_total",
		Help:      "Score records whose week flag was rewritten, by direction.",
	}, []string{"direction"})

	reconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topscores",
		Subsystem: "reconcile",
		Name:      "removed_total",
		Help:      "Score records removed by maintenance, by reason.",
	}, []string{"reason"})

	sweepVisited := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topscores",
		Subsystem: "reconcile",
		Name:      "sweep_locations_total",
		Help:      "Locations completed by the bounded duplicate sweep.",
	})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topscores",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by route and status code.",
	}, []string{"route", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "topscores",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for HTTP requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"})

	reg.MustRegister(listLookups, listRebuild, submissions, invalidations, reflagged, reconciled,
		sweepVisited, httpRequests, httpLatency)

	return &Recorder{
		gatherer:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		listLookups:   listLookups,
		listRebuild:   listRebuild,
		submissions:   submissions,
		invalidations: invalidations,
		reflagged:     reflagged,
		reconciled:    reconciled,
		sweepVisited:  sweepVisited,
		httpRequests:  httpRequests,
		httpLatency:   httpLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveListLookup records how a list for scope (local, world, week) was served.
func (r *Recorder) ObserveListLookup(scope string, result ListLookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(ListLookupMiss)
	}
	r.listLookups.WithLabelValues(normalizeLabel(scope), resultLabel).Inc()
}

func (r *Recorder) ObserveListRebuild(scope string, duration time.Duration) {
	if r == nil {
		return
	}
	r.listRebuild.WithLabelValues(normalizeLabel(scope)).Observe(duration.Seconds())
}

func (r *Recorder) ObserveSubmission(outcome string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (r *Recorder) ObserveInvalidation(mode InvalidationMode, result string) {
	if r == nil {
		return
	}
	r.invalidations.WithLabelValues(normalizeLabel(string(mode)), normalizeLabel(result)).Inc()
}

// ObserveReflag adds count flipped records; direction is "promoted" or "demoted".
func (r *Recorder) ObserveReflag(direction string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.reflagged.WithLabelValues(normalizeLabel(direction)).Add(float64(count))
}

// ObserveRemoved adds count deleted records; reason is "duplicate" or "invisible".
func (r *Recorder) ObserveRemoved(reason string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.reconciled.WithLabelValues(normalizeLabel(reason)).Add(float64(count))
}

func (r *Recorder) ObserveSweep(locations int) {
	if r == nil || locations <= 0 {
		return
	}
	r.sweepVisited.Add(float64(locations))
}

// ObserveHTTP records the status and latency of a served request.
func (r *Recorder) ObserveHTTP(route string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(routeLabel, statusLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
