package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRecorderObserveLists(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveListLookup("week", ListLookupHit)
	rec.ObserveListLookup("week", ListLookupHit)
	rec.ObserveListLookup("local", "")
	rec.ObserveListRebuild("local", 250*time.Millisecond)
	rec.ObserveInvalidation(InvalidationSelective, "deleted")

	families := gather(t, rec,
		"topscores_lists_lookups_total",
		"topscores_lists_rebuild_duration_seconds",
		"topscores_lists_invalidations_total",
	)

	hits := findMetric(t, families["topscores_lists_lookups_total"], map[string]string{"scope": "week", "result": "hit"})
	require.InDelta(t, 2, hits.GetCounter().GetValue(), 0)

	misses := findMetric(t, families["topscores_lists_lookups_total"], map[string]string{"scope": "local", "result": "miss"})
	require.InDelta(t, 1, misses.GetCounter().GetValue(), 0)

	hist := findMetric(t, families["topscores_lists_rebuild_duration_seconds"], map[string]string{"scope": "local"}).GetHistogram()
	require.NotNil(t, hist)
	require.Equal(t, uint64(1), hist.GetSampleCount())
	if diff := math.Abs(hist.GetSampleSum() - 0.25); diff > 0.001 {
		t.Fatalf("expected histogram sum near 0.25, got %v", hist.GetSampleSum())
	}

	inv := findMetric(t, families["topscores_lists_invalidations_total"], map[string]string{"mode": "selective", "result": "deleted"})
	require.InDelta(t, 1, inv.GetCounter().GetValue(), 0)
}

func TestRecorderObserveMaintenance(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveSubmission("skipped")
	rec.ObserveReflag("demoted", 150)
	rec.ObserveReflag("promoted", 0)
	rec.ObserveRemoved("duplicate", 3)
	rec.ObserveSweep(4)

	families := gather(t, rec,
		"topscores_submission_scores_total",
		"topscores_rollover_flagged_total",
		"topscores_reconcile_removed_total",
		"topscores_reconcile_sweep_locations_total",
	)

	require.InDelta(t, 1, findMetric(t, families["topscores_submission_scores_total"], map[string]string{"outcome": "skipped"}).GetCounter().GetValue(), 0)
	require.InDelta(t, 150, findMetric(t, families["topscores_rollover_flagged_total"], map[string]string{"direction": "demoted"}).GetCounter().GetValue(), 0)
	require.Len(t, families["topscores_rollover_flagged_total"], 1)
	require.InDelta(t, 3, findMetric(t, families["topscores_reconcile_removed_total"], map[string]string{"reason": "duplicate"}).GetCounter().GetValue(), 0)
	require.InDelta(t, 4, families["topscores_reconcile_sweep_locations_total"][0].GetCounter().GetValue(), 0)
}

func TestRecorderObserveHTTP(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveHTTP("/ras", 200, 10*time.Millisecond)
	rec.ObserveHTTP("", 0, time.Millisecond)

	families := gather(t, rec, "topscores_http_requests_total", "topscores_http_request_duration_seconds")
	findMetric(t, families["topscores_http_requests_total"], map[string]string{"route": "/ras", "status_code": "200"})
	findMetric(t, families["topscores_http_requests_total"], map[string]string{"route": "unknown", "status_code": "unknown"})
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveListLookup("local", ListLookupHit)
	rec.ObserveSubmission("success")
	rec.ObserveHTTP("/ras", 200, time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 503, rr.Code)
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
