package ranking

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/topscores/internal/cache"
	"github.com/l0p7/topscores/internal/store"
)

func TestSaveLocationMemoSkipsStore(t *testing.T) {
	st := &failingStore{Store: store.NewMemory()}
	h := newHarnessWith(t, testSettings(), st, cache.NewMemory(0))
	ctx := context.Background()

	require.NoError(t, h.engine.SaveLocation(ctx, "se"))
	st.saveLocErr = errors.New("store down")

	require.NoError(t, h.engine.SaveLocation(ctx, "se"), "memoised location must not reach the store")
	require.Error(t, h.engine.SaveLocation(ctx, "no"))

	locations, err := h.store.Locations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"se"}, locations)
}

func TestSaveLocationAfterMemoExpiry(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()
	require.NoError(t, h.engine.SaveLocation(ctx, "se"))
	require.NoError(t, h.engine.FlushAll(ctx))
	require.NoError(t, h.engine.SaveLocation(ctx, "se"))

	locations, err := h.store.Locations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"se"}, locations)
}

func TestNextLocationRoundRobin(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()

	got, err := h.engine.NextLocation(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	for _, location := range []string{"se", "dk", "no"} {
		require.NoError(t, h.engine.SaveLocation(ctx, location))
	}
	var order []string
	for range 4 {
		location, err := h.engine.NextLocation(ctx)
		require.NoError(t, err)
		order = append(order, location)
	}
	require.Equal(t, []string{"dk", "no", "se", "dk"}, order)
}

func TestNextLocationWrapsInvalidCursor(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()
	require.NoError(t, h.engine.SaveLocation(ctx, "dk"))
	require.NoError(t, h.engine.SaveLocation(ctx, "se"))

	for _, raw := range []string{"99", "-1", "garbage"} {
		require.NoError(t, h.cache.Set(ctx, cursorKey, []byte(raw)))
		location, err := h.engine.NextLocation(ctx)
		require.NoError(t, err)
		require.Equal(t, "dk", location, "cursor %q", raw)
	}
}

func TestRandomLocation(t *testing.T) {
	h := newHarness(t, testSettings(), WithRandom(func(n int) int { return 1 }))
	ctx := context.Background()

	got, err := h.engine.RandomLocation(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, h.engine.SaveLocation(ctx, "se"))
	require.NoError(t, h.engine.SaveLocation(ctx, "dk"))
	got, err = h.engine.RandomLocation(ctx)
	require.NoError(t, err)
	require.Equal(t, "se", got)

	st := &failingStore{Store: store.NewMemory(), locationErr: errors.New("down")}
	broken := newHarnessWith(t, testSettings(), st, cache.NewMemory(0))
	_, err = broken.engine.RandomLocation(ctx)
	require.Error(t, err)
}
