package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/l0p7/topscores/internal/store"
)

// ReflagReport counts week flags rewritten by a rollover pass.
type ReflagReport struct {
	Promoted int `json:"promoted"`
	Demoted  int `json:"demoted"`
}

// InWeek reports whether a record dated at t belongs to the rolling week.
// A record exactly one window old is outside it.
func (e *Engine) InWeek(t time.Time) bool {
	return t.After(e.now().Add(-e.settings.WeekWindow))
}

// Reflag clears the week flag of records that aged out of the window, then
// rebuilds the week lists.
func (e *Engine) Reflag(ctx context.Context) (ReflagReport, error) {
	start := e.now().UTC().Add(-e.settings.WeekWindow)
	var report ReflagReport
	demoted, err := e.flip(ctx, store.Query{
		NewWeek:        store.Bool(true),
		DateAtOrBefore: start,
	}, false)
	report.Demoted = demoted
	e.finishReflag(ctx, "incremental", report, err)
	return report, err
}

// DeepReflag recomputes the flag in both directions so every record matches
// the window regardless of its starting state.
func (e *Engine) DeepReflag(ctx context.Context) (ReflagReport, error) {
	start := e.now().UTC().Add(-e.settings.WeekWindow)
	var report ReflagReport
	promoted, promoteErr := e.flip(ctx, store.Query{
		NewWeek:   store.Bool(false),
		DateAfter: start,
	}, true)
	report.Promoted = promoted

	var demoteErr error
	if promoteErr == nil {
		report.Demoted, demoteErr = e.flip(ctx, store.Query{
			NewWeek:        store.Bool(true),
			DateAtOrBefore: start,
		}, false)
	}
	err := errors.Join(promoteErr, demoteErr)
	e.finishReflag(ctx, "deep", report, err)
	return report, err
}

// flip rewrites the week flag of every record matching q. Records are fetched
// in bounded pages and written in bounded chunks; a flipped record no longer
// matches q, so the loop ends once a page comes back short.
func (e *Engine) flip(ctx context.Context, q store.Query, flag bool) (int, error) {
	q.Order = store.OrderDateDesc
	q.Limit = e.settings.ReflagFetchLimit
	direction := "demoted"
	if flag {
		direction = "promoted"
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, err := e.store.Find(ctx, e.settings.Partition, q)
		if err != nil {
			return total, fmt.Errorf("ranking: reflag fetch: %w", err)
		}
		for chunk := range slices.Chunk(page, e.settings.ReflagChunkSize) {
			for i := range chunk {
				chunk[i].NewWeek = flag
			}
			if err := e.store.Put(ctx, e.settings.Partition, chunk); err != nil {
				return total, fmt.Errorf("ranking: reflag put: %w", err)
			}
			total += len(chunk)
			e.metrics.ObserveReflag(direction, len(chunk))
		}
		if len(page) < q.Limit {
			return total, nil
		}
	}
}

// finishReflag rebuilds the week lists even after a partial failure, since
// some flags may already have changed.
func (e *Engine) finishReflag(ctx context.Context, kind string, report ReflagReport, err error) {
	for _, control := range e.settings.Controls {
		if _, rebuildErr := e.Rebuild(ctx, control, e.settings.Week); rebuildErr != nil {
			e.rolloverLog.Warn("week list rebuild failed", slog.String("control", control), slog.Any("error", rebuildErr))
		}
	}
	attrs := []any{
		slog.String("kind", kind),
		slog.Int("promoted", report.Promoted),
		slog.Int("demoted", report.Demoted),
	}
	if err != nil {
		e.rolloverLog.Error("reflag incomplete", append(attrs, slog.Any("error", err))...)
		return
	}
	e.rolloverLog.Info("reflag finished", attrs...)
}
