package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testPartition = "all_scores"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s Store, scores ...Score) []Score {
	t.Helper()
	ctx := context.Background()
	out := make([]Score, 0, len(scores))
	for i := range scores {
		score := scores[i]
		require.NoError(t, s.Insert(ctx, testPartition, &score))
		require.NotEqual(t, uuid.Nil, score.ID)
		out = append(out, score)
	}
	return out
}

func names(scores []Score) []string {
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.Name
	}
	return out
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	seeded := seed(t, s,
		Score{Name: "ann", Points: 100, Control: "tilt", Location: "se", Date: base, NewWeek: true},
		Score{Name: "bob", Points: 300, Control: "tilt", Location: "no", Date: base.Add(time.Hour), NewWeek: true},
		Score{Name: "cid", Points: 200, Control: "tilt", Location: "se", Date: base.Add(2 * time.Hour), NewWeek: false},
		Score{Name: "dan", Points: 200, Control: "tilt", Location: "se", Date: base.Add(3 * time.Hour), NewWeek: true},
		Score{Name: "eve", Points: 900, Control: "touch", Location: "se", Date: base.Add(4 * time.Hour), NewWeek: true},
	)

	t.Run("orders by points then date", func(t *testing.T) {
		got, err := s.Find(ctx, testPartition, Query{Control: "tilt", Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"bob", "cid", "dan", "ann"}, names(got))
	})

	t.Run("filters by location and limits", func(t *testing.T) {
		got, err := s.Find(ctx, testPartition, Query{Control: "tilt", Location: "se", Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{"cid", "dan"}, names(got))
	})

	t.Run("filters by week flag", func(t *testing.T) {
		got, err := s.Find(ctx, testPartition, Query{Control: "tilt", NewWeek: Bool(true), Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"bob", "dan", "ann"}, names(got))
	})

	t.Run("filters by identity", func(t *testing.T) {
		got, err := s.Find(ctx, testPartition, Query{
			Control: "tilt", Name: String("dan"), Comment: String(""), Points: Int64(200), Limit: 1,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, seeded[3].ID, got[0].ID)
	})

	t.Run("date bounds", func(t *testing.T) {
		got, err := s.Find(ctx, testPartition, Query{DateAtOrBefore: base.Add(time.Hour), Order: OrderDateDesc, Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"bob", "ann"}, names(got))

		got, err = s.Find(ctx, testPartition, Query{DateAfter: base.Add(time.Hour), Order: OrderDateAsc, Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"cid", "dan", "eve"}, names(got))
	})

	t.Run("points below", func(t *testing.T) {
		got, err := s.Find(ctx, testPartition, Query{Control: "tilt", PointsBelow: Int64(200), Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"ann"}, names(got))
	})

	t.Run("other partitions are isolated", func(t *testing.T) {
		got, err := s.Find(ctx, "elsewhere", Query{Limit: 10})
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("rejects unbounded queries", func(t *testing.T) {
		_, err := s.Find(ctx, testPartition, Query{})
		require.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("put flips week flag", func(t *testing.T) {
		flipped := seeded[2]
		flipped.NewWeek = true
		require.NoError(t, s.Put(ctx, testPartition, []Score{flipped}))
		got, err := s.Find(ctx, testPartition, Query{Control: "tilt", NewWeek: Bool(false), Limit: 10})
		require.NoError(t, err)
		require.Empty(t, got)
		require.NoError(t, s.Put(ctx, testPartition, nil))
	})

	t.Run("delete removes records", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, testPartition, []uuid.UUID{seeded[0].ID, seeded[1].ID}))
		got, err := s.Find(ctx, testPartition, Query{Control: "tilt", Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"cid", "dan"}, names(got))
		require.NoError(t, s.Delete(ctx, testPartition, nil))
	})

	t.Run("put never recreates deleted records", func(t *testing.T) {
		gone := seeded[0]
		gone.NewWeek = false
		cid := seeded[2]
		cid.NewWeek = false
		dan := seeded[3]
		dan.NewWeek = true
		require.NoError(t, s.Put(ctx, testPartition, []Score{gone, cid, dan}))
		require.NoError(t, s.Put(ctx, testPartition, []Score{{ID: uuid.New(), NewWeek: true}}))

		got, err := s.Find(ctx, testPartition, Query{Control: "tilt", Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"cid", "dan"}, names(got))

		got, err = s.Find(ctx, testPartition, Query{Control: "tilt", NewWeek: Bool(false), Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"cid"}, names(got))
	})

	t.Run("put is scoped to the partition", func(t *testing.T) {
		cid := seeded[2]
		cid.NewWeek = true
		require.NoError(t, s.Put(ctx, "elsewhere", []Score{cid}))
		got, err := s.Find(ctx, testPartition, Query{Control: "tilt", NewWeek: Bool(false), Limit: 10})
		require.NoError(t, err)
		require.Equal(t, []string{"cid"}, names(got))
	})

	t.Run("locations are registered once", func(t *testing.T) {
		require.NoError(t, s.SaveLocation(ctx, "se"))
		require.NoError(t, s.SaveLocation(ctx, "no"))
		require.NoError(t, s.SaveLocation(ctx, "se"))
		got, err := s.Locations(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"no", "se"}, got)
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	_, err := s.Find(context.Background(), testPartition, Query{Limit: 1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStoreKeepsInsertionOrderForTies(t *testing.T) {
	s := NewMemory()
	seed(t, s,
		Score{Name: "first", Points: 10, Control: "tilt", Location: "se", Date: base},
		Score{Name: "second", Points: 10, Control: "tilt", Location: "se", Date: base},
	)
	got, err := s.Find(context.Background(), testPartition, Query{Limit: 5})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, names(got))
}
