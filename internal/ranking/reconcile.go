package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/l0p7/topscores/internal/store"
)

// ReconcileReport summarises duplicate removal for one list.
type ReconcileReport struct {
	Control  string `json:"control"`
	Location string `json:"location"`
	Examined int    `json:"examined"`
	Marked   int    `json:"marked"`
	Removed  int    `json:"removed"`
}

// sameScore is the duplicate test. Location is not compared because the world
// and week lists aggregate across locations.
func sameScore(a, b store.Score) bool {
	return a.Name == b.Name &&
		a.Comment == b.Comment &&
		a.Points == b.Points &&
		a.Control == b.Control
}

// duplicates returns the records to remove from scores: for every group of
// identical scores all but the earliest. The pairwise scan is bounded by the
// list length, which is at most TopN.
func duplicates(scores []store.Score) []store.Score {
	ordered := slices.Clone(scores)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Date.Before(ordered[j].Date)
	})
	marked := make([]bool, len(ordered))
	var out []store.Score
	for i := range ordered {
		if marked[i] {
			continue
		}
		for j := i + 1; j < len(ordered); j++ {
			if !marked[j] && sameScore(ordered[i], ordered[j]) {
				marked[j] = true
				out = append(out, ordered[j])
			}
		}
	}
	return out
}

// Reconcile removes duplicate records from the visible window of one list and
// refreshes its cache when anything was removed.
func (e *Engine) Reconcile(ctx context.Context, control, location string) (ReconcileReport, error) {
	report := ReconcileReport{Control: control, Location: location}
	if !e.settings.ValidControl(control) {
		return report, fmt.Errorf("%w: %q", ErrInvalidControl, control)
	}
	if location == "" {
		return report, fmt.Errorf("ranking: reconcile requires a location")
	}

	fetched, err := e.store.Find(ctx, e.settings.Partition, e.listQuery(control, location, e.settings.TopN))
	if err != nil {
		return report, fmt.Errorf("ranking: reconcile fetch %s/%s: %w", control, location, err)
	}
	report.Examined = len(fetched)

	toRemove := duplicates(fetched)
	report.Marked = len(toRemove)
	if len(toRemove) == 0 {
		return report, nil
	}

	report.Removed = e.deleteScores(ctx, toRemove, "duplicate")
	e.reconcLog.Info("duplicates removed",
		slog.String("control", control),
		slog.String("location", location),
		slog.Int("examined", report.Examined),
		slog.Int("marked", report.Marked),
		slog.Int("removed", report.Removed),
	)

	if _, err := e.Rebuild(ctx, control, location); err != nil {
		e.reconcLog.Warn("list rebuild after reconcile failed",
			slog.String("control", control),
			slog.String("location", location),
			slog.Any("error", err),
		)
	}
	return report, nil
}

// deleteScores removes records in bounded batches. A failed batch is logged
// and not retried; some of its records may still have been deleted.
func (e *Engine) deleteScores(ctx context.Context, scores []store.Score, reason string) int {
	removed := 0
	for chunk := range slices.Chunk(scores, e.settings.DeleteBatchSize) {
		ids := make([]uuid.UUID, len(chunk))
		for i, score := range chunk {
			ids[i] = score.ID
		}
		if err := e.store.Delete(ctx, e.settings.Partition, ids); err != nil {
			e.reconcLog.Error("score delete failed, some or all deletes may have failed",
				slog.String("reason", reason),
				slog.Int("batch", len(ids)),
				slog.Any("error", err),
			)
			continue
		}
		removed += len(ids)
	}
	e.metrics.ObserveRemoved(reason, removed)
	return removed
}

// ReconcileLocation reconciles every control's list for location.
func (e *Engine) ReconcileLocation(ctx context.Context, location string) ([]ReconcileReport, error) {
	reports := make([]ReconcileReport, 0, len(e.settings.Controls))
	for _, control := range e.settings.Controls {
		report, err := e.Reconcile(ctx, control, location)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// ReconcileAggregates reconciles the world and week lists of every control.
func (e *Engine) ReconcileAggregates(ctx context.Context) ([]ReconcileReport, error) {
	var reports []ReconcileReport
	for _, location := range []string{e.settings.World, e.settings.Week} {
		got, err := e.ReconcileLocation(ctx, location)
		reports = append(reports, got...)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// ReconcileRandom reconciles one randomly chosen registered location. It
// returns an empty location when none are registered.
func (e *Engine) ReconcileRandom(ctx context.Context) (string, []ReconcileReport, error) {
	location, err := e.RandomLocation(ctx)
	if err != nil || location == "" {
		return "", nil, err
	}
	reports, err := e.ReconcileLocation(ctx, location)
	return location, reports, err
}

// SweepReport describes one bounded sweep invocation.
type SweepReport struct {
	Start     string `json:"start"`
	Completed int    `json:"completed"`
	Next      string `json:"next"`
	Removed   int    `json:"removed"`
	// Exhausted is true when the sweep stopped on its deadline rather than
	// after a full pass.
	Exhausted bool `json:"exhausted"`
}

// Sweep reconciles registered locations in round-robin order, resuming from
// the cursor kept in the cache. It stops when the time budget is spent, the
// context ends, or every location has been visited once. Stopping early is
// not an error; the next call continues from the saved position.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	deadline := e.now().Add(e.settings.SweepBudget)

	locations, err := e.store.Locations(ctx)
	if err != nil {
		return report, fmt.Errorf("ranking: sweep locations: %w", err)
	}
	if len(locations) == 0 {
		return report, nil
	}

	// The position is read from the cache once; later cursor writes may fail
	// without stalling the pass.
	index := e.startCursor(ctx, len(locations))
	for report.Completed < len(locations) {
		if ctx.Err() != nil || !e.now().Before(deadline) {
			report.Exhausted = true
			break
		}
		location := locations[index]
		index = (index + 1) % len(locations)
		e.saveCursor(ctx, index)
		if report.Completed == 0 {
			report.Start = location
		}
		reports, err := e.ReconcileLocation(ctx, location)
		for _, r := range reports {
			report.Removed += r.Removed
		}
		if err != nil {
			e.reconcLog.Error("sweep reconcile failed", slog.String("location", location), slog.Any("error", err))
		}
		report.Completed++
	}
	report.Next = locations[index]
	e.metrics.ObserveSweep(report.Completed)

	attrs := []any{
		slog.Int("completed", report.Completed),
		slog.String("from", report.Start),
		slog.String("next", report.Next),
		slog.Int("removed", report.Removed),
	}
	if report.Exhausted {
		e.reconcLog.Info("sweep budget spent, will resume", attrs...)
	} else {
		e.reconcLog.Info("sweep finished a full pass", attrs...)
	}
	return report, nil
}

// PruneReport summarises invisible-score pruning for one list.
type PruneReport struct {
	Control  string `json:"control"`
	Location string `json:"location"`
	Lowest   int64  `json:"lowest"`
	Removed  int    `json:"removed"`
}

// PruneInvisible deletes, for each control, records of location that can
// never be shown: below the cached full local list and outside the week. Lists
// that are not cached or not full are left alone.
func (e *Engine) PruneInvisible(ctx context.Context, location string) ([]PruneReport, error) {
	if location == "" || location == e.settings.World || location == e.settings.Week {
		return nil, fmt.Errorf("ranking: prune requires a concrete location, got %q", location)
	}
	var reports []PruneReport
	for _, control := range e.settings.Controls {
		ranked, ok := e.cachedList(ctx, listKey(control, location))
		if !ok || ranked.Length < e.settings.TopN {
			continue
		}
		found, err := e.store.Find(ctx, e.settings.Partition, store.Query{
			Control:     control,
			Location:    location,
			PointsBelow: store.Int64(ranked.Lowest),
			NewWeek:     store.Bool(false),
			Order:       store.OrderPointsDesc,
			Limit:       e.settings.DeleteBatchSize,
		})
		if err != nil {
			return reports, fmt.Errorf("ranking: prune fetch %s/%s: %w", control, location, err)
		}
		report := PruneReport{Control: control, Location: location, Lowest: ranked.Lowest}
		if len(found) > 0 {
			report.Removed = e.deleteScores(ctx, found, "invisible")
			e.reconcLog.Info("invisible scores pruned",
				slog.String("control", control),
				slog.String("location", location),
				slog.Int64("below", ranked.Lowest),
				slog.Int("removed", report.Removed),
			)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// PruneRandom prunes a randomly chosen registered location.
func (e *Engine) PruneRandom(ctx context.Context) (string, []PruneReport, error) {
	location, err := e.RandomLocation(ctx)
	if err != nil || location == "" {
		return "", nil, err
	}
	reports, err := e.PruneInvisible(ctx, location)
	return location, reports, err
}
