package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/topscores/internal/cache"
	"github.com/l0p7/topscores/internal/config"
	"github.com/l0p7/topscores/internal/logging"
	"github.com/l0p7/topscores/internal/metrics"
	"github.com/l0p7/topscores/internal/ranking"
	"github.com/l0p7/topscores/internal/store"
)

const secret = "s3cret"

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *ranking.Engine
	store  store.Store
	expect *httpexpect.Expect
}

func newFixture(t *testing.T, mutate ...func(*RouterOptions)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Ranking.SubmitSecret = secret

	st := store.NewMemory()
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	engine, err := ranking.New(ranking.SettingsFromConfig(cfg), st, cache.NewMemory(0), logging.Discard(),
		ranking.WithClock(func() time.Time { return now }),
		ranking.WithMetrics(rec),
	)
	require.NoError(t, err)
	return newFixtureFor(t, engine, st, rec, mutate...)
}

func newFixtureFor(t *testing.T, engine Engine, st store.Store, rec *metrics.Recorder, mutate ...func(*RouterOptions)) *fixture {
	t.Helper()
	opts := RouterOptions{
		LocationHeader: "X-Country-Code",
		MaxBodyBytes:   1 << 16,
		StoreBackend:   "memory",
		CacheBackend:   "memory",
		Metrics:        rec,
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv := httptest.NewServer(NewRouter(engine, logging.Discard(), opts))
	t.Cleanup(srv.Close)

	f := &fixture{store: st}
	if e, ok := engine.(*ranking.Engine); ok {
		f.engine = e
	}
	f.expect = httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
	return f
}

func envelope(submit, request string) string {
	return `{"submit":` + submit + `,"request":` + request + `}`
}

func batch(scores ...string) string {
	return `{"code":"` + secret + `","scores":[` + strings.Join(scores, ",") + `]}`
}

func TestHealth(t *testing.T) {
	f := newFixture(t, func(o *RouterOptions) { o.CacheBackend = "redis" })
	obj := f.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("status").String().IsEqual("ok")
	obj.Value("store").String().IsEqual("memory")
	obj.Value("cache").String().IsEqual("redis")
}

func TestRequestAndSubmitRawJSON(t *testing.T) {
	f := newFixture(t)
	body := envelope(
		batch(`{"name":"ann","comment":"gg","points":700,"control":"tilt"}`),
		`{"control":"tilt"}`,
	)

	obj := f.expect.POST("/ras").
		WithHeader("X-Country-Code", "SE").
		WithHeader("Content-Type", "application/json").
		WithBytes([]byte(body)).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	obj.Value("submit").Boolean().IsTrue()
	request := obj.Value("request").Object()
	request.Value("control").String().IsEqual("tilt")
	data := request.Value("data").Array()
	data.Length().IsEqual(3)

	local := listAt(t, obj, 0)
	require.Equal(t, "se", local.Location)
	require.Len(t, local.Scores, 1)
	require.Equal(t, "ann", local.Scores[0].Name)
	require.EqualValues(t, 700, local.Scores[0].Points)
	require.Equal(t, now.Unix(), local.Scores[0].Date)

	world := listAt(t, obj, 1)
	require.Equal(t, "location_world", world.Location)
	require.Len(t, world.Scores, 1)
	require.Equal(t, "location_week", listAt(t, obj, 2).Location)
}

// listAt decodes the string-encoded list at index i of the read response.
func listAt(t *testing.T, obj *httpexpect.Object, i int) ranking.WireList {
	t.Helper()
	raw := obj.Value("request").Object().Value("data").Array().Value(i).String().Raw()
	var list ranking.WireList
	require.NoError(t, json.Unmarshal([]byte(raw), &list))
	return list
}

func TestRequestAndSubmitFormField(t *testing.T) {
	f := newFixture(t)
	f.expect.POST("/ras").
		WithHeader("X-Country-Code", "no").
		WithFormField("data", envelope(batch(`{"name":"bob","points":"42","control":"touch"}`), "null")).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		ContainsKey("request").
		Value("submit").Boolean().IsTrue()

	obj := f.expect.GET("/ras").
		WithHeader("X-Country-Code", "no").
		WithQuery("data", envelope("null", `{"control":"touch"}`)).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("submit").Boolean().IsFalse()
	require.Len(t, listAt(t, obj, 0).Scores, 1)
}

func TestRequestAndSubmitMissingLocationUsesUnknown(t *testing.T) {
	f := newFixture(t)
	obj := f.expect.POST("/ras").
		WithBytes([]byte(envelope(batch(`{"name":"cid","points":1,"control":"tilt"}`), `{"control":"tilt"}`))).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	require.Equal(t, "n/a", listAt(t, obj, 0).Location)

	locations, err := f.store.Locations(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"n/a"}, locations)
}

func TestRequestAndSubmitRejectsMalformedEnvelopes(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"not json":        `{"submit":`,
		"missing request": `{"submit":null}`,
		"missing submit":  `{"request":{"control":"tilt"}}`,
		"both null":       envelope("null", "null"),
		"empty":           "",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f.expect.POST("/ras").
				WithBytes([]byte(body)).
				Expect().
				Status(http.StatusBadRequest).
				JSON().Object().ContainsKey("error")
		})
	}

	f.expect.GET("/ras").Expect().Status(http.StatusBadRequest)
}

func TestRequestAndSubmitBodyLimit(t *testing.T) {
	f := newFixture(t, func(o *RouterOptions) { o.MaxBodyBytes = 32 })
	f.expect.POST("/ras").
		WithBytes([]byte(envelope(batch(`{"name":"ann","points":1,"control":"tilt"}`), "null"))).
		Expect().
		Status(http.StatusBadRequest)
}

func TestRequestAndSubmitNegativeResults(t *testing.T) {
	f := newFixture(t)

	obj := f.expect.POST("/ras").
		WithHeader("X-Country-Code", "se").
		WithBytes([]byte(envelope(
			`{"code":"wrong","scores":[{"name":"eve","points":1,"control":"tilt"}]}`,
			`{"control":"tilt"}`,
		))).
		Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("submit").Boolean().IsFalse()
	require.Empty(t, listAt(t, obj, 0).Scores)

	obj = f.expect.POST("/ras").
		WithBytes([]byte(envelope(`"not an object"`, `{"control":"keys"}`))).
		Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("submit").Boolean().IsFalse()
	obj.Value("request").IsNull()

	all, err := f.store.Find(context.Background(), "all_scores", store.Query{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.Insert(ctx, "all_scores", &store.Score{
			Name: "dup", Points: 10, Control: "tilt", Location: "se",
			Date: now.Add(-time.Duration(i+1) * time.Minute), NewWeek: true,
		}))
	}
	require.NoError(t, f.engine.SaveLocation(ctx, "se"))

	reports := f.expect.POST("/admin/reconcile/location/SE").
		Expect().Status(http.StatusOK).JSON().Object().
		HasValue("location", "se").
		Value("reconciled").Array()
	reports.Length().IsEqual(2)
	reports.Value(0).Object().Value("removed").Number().IsEqual(2)

	f.expect.GET("/admin/flush").Expect().Status(http.StatusOK).JSON().Object().HasValue("flushed", true)
	f.expect.GET("/admin/reflag").Expect().Status(http.StatusOK).JSON().Object().ContainsKey("reflag")
	f.expect.POST("/admin/reflag/deep").Expect().Status(http.StatusOK).JSON().Object().
		Value("reflag").Object().HasValue("promoted", 0)
	f.expect.GET("/admin/reconcile/aggregates").Expect().Status(http.StatusOK).JSON().Object().
		Value("reconciled").Array().Length().IsEqual(4)
	f.expect.GET("/admin/reconcile/random").Expect().Status(http.StatusOK).JSON().Object().
		HasValue("location", "se")
	f.expect.GET("/admin/reconcile/next").Expect().Status(http.StatusOK).JSON().Object().
		Value("sweep").Object().HasValue("start", "se").HasValue("completed", 1)
	f.expect.GET("/admin/prune/random").Expect().Status(http.StatusOK).JSON().Object().
		HasValue("location", "se")
	f.expect.GET("/admin/prune/location/se").Expect().Status(http.StatusOK)
	f.expect.GET("/admin/prune/location/location_world").Expect().Status(http.StatusBadRequest)
	f.expect.DELETE("/admin/flush").Expect().Status(http.StatusMethodNotAllowed)
}

type failingEngine struct {
	Engine
}

func (failingEngine) Reflag(context.Context) (ranking.ReflagReport, error) {
	return ranking.ReflagReport{Demoted: 3}, errors.New("store unavailable")
}

func TestAdminFailureKeepsPartialReport(t *testing.T) {
	base := newFixture(t)
	f := newFixtureFor(t, failingEngine{Engine: base.engine}, base.store, nil)

	obj := f.expect.POST("/admin/reflag").Expect().Status(http.StatusInternalServerError).JSON().Object()
	obj.Value("error").String().Contains("store unavailable")
	obj.Value("reflag").Object().HasValue("demoted", 3)
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	f := newFixture(t)
	f.expect.GET("/healthz").Expect().Status(http.StatusOK)
	f.expect.POST("/ras").WithBytes([]byte("{}")).Expect().Status(http.StatusBadRequest)

	body := f.expect.GET("/metrics").Expect().Status(http.StatusOK).Body().Raw()
	require.Contains(t, body, `topscores_http_requests_total{route="/healthz",status_code="200"} 1`)
	require.Contains(t, body, `topscores_http_requests_total{route="/ras",status_code="400"} 1`)
}
