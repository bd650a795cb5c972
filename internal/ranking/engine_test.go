package ranking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/topscores/internal/cache"
	"github.com/l0p7/topscores/internal/config"
	"github.com/l0p7/topscores/internal/logging"
	"github.com/l0p7/topscores/internal/store"
)

const testSecret = "s3cret"

var epoch = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// fakeClock returns its current time and then moves forward by step.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testSettings(mutate ...func(*Settings)) Settings {
	cfg := config.DefaultConfig()
	cfg.Ranking.SubmitSecret = testSecret
	s := SettingsFromConfig(cfg)
	for _, m := range mutate {
		m(&s)
	}
	return s
}

func withTopN(n int) func(*Settings) {
	return func(s *Settings) { s.TopN = n }
}

type harness struct {
	engine *Engine
	store  store.Store
	cache  cache.Cache
	clock  *fakeClock
}

func newHarness(t *testing.T, settings Settings, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, settings, store.NewMemory(), cache.NewMemory(0), opts...)
}

func newHarnessWith(t *testing.T, settings Settings, st store.Store, c cache.Cache, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{now: epoch}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	engine, err := New(settings, st, c, logging.Discard(), opts...)
	require.NoError(t, err)
	return &harness{engine: engine, store: st, cache: c, clock: clock}
}

func (h *harness) seed(t *testing.T, scores ...store.Score) []store.Score {
	t.Helper()
	out := make([]store.Score, 0, len(scores))
	for i := range scores {
		score := scores[i]
		require.NoError(t, h.store.Insert(context.Background(), h.engine.settings.Partition, &score))
		out = append(out, score)
	}
	return out
}

func (h *harness) all(t *testing.T) []store.Score {
	t.Helper()
	got, err := h.store.Find(context.Background(), h.engine.settings.Partition, store.Query{Limit: 10_000})
	require.NoError(t, err)
	return got
}

func (h *harness) submit(name, comment, points, control, location string) Outcome {
	return h.engine.Submit(context.Background(), Submission{
		Name: name, Comment: comment, Points: RawPoints(points), Control: control, Location: location,
	})
}

// failingStore injects errors into selected store operations.
type failingStore struct {
	store.Store
	insertErr   error
	findErr     error
	deleteErr   error
	saveLocErr  error
	locationErr error
}

func (f *failingStore) Insert(ctx context.Context, partition string, s *store.Score) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.Store.Insert(ctx, partition, s)
}

func (f *failingStore) Find(ctx context.Context, partition string, q store.Query) ([]store.Score, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.Store.Find(ctx, partition, q)
}

func (f *failingStore) Delete(ctx context.Context, partition string, ids []uuid.UUID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.Delete(ctx, partition, ids)
}

func (f *failingStore) SaveLocation(ctx context.Context, name string) error {
	if f.saveLocErr != nil {
		return f.saveLocErr
	}
	return f.Store.SaveLocation(ctx, name)
}

func (f *failingStore) Locations(ctx context.Context) ([]string, error) {
	if f.locationErr != nil {
		return nil, f.locationErr
	}
	return f.Store.Locations(ctx)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(testSettings(), nil, cache.NewMemory(0), nil)
	require.Error(t, err)

	_, err = New(testSettings(withTopN(0)), store.NewMemory(), cache.NewMemory(0), nil)
	require.Error(t, err)
}

func TestSettingsFromConfig(t *testing.T) {
	s := testSettings()
	require.Equal(t, "all_scores", s.Partition)
	require.Equal(t, 50, s.TopN)
	require.Equal(t, 7*24*time.Hour, s.WeekWindow)
	require.True(t, s.ValidControl("tilt"))
	require.False(t, s.ValidControl("keys"))
}

func TestFlushAllDropsLists(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()
	_, err := h.engine.TopList(ctx, 50, "tilt", "se")
	require.NoError(t, err)

	require.NoError(t, h.engine.FlushAll(ctx))
	_, ok, err := h.cache.Get(ctx, listKey("tilt", "se"))
	require.NoError(t, err)
	require.False(t, ok)
}
