package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/topscores/internal/cache"
	"github.com/l0p7/topscores/internal/metrics"
	"github.com/l0p7/topscores/internal/store"
)

// WireScore is the client-facing shape of one score.
type WireScore struct {
	Name     string `json:"name"`
	Comment  string `json:"comment"`
	Points   int64  `json:"points"`
	Control  string `json:"control"`
	Location string `json:"location"`
	Date     int64  `json:"date"`
}

// WireList is the client-facing shape of a ranked list, best score first.
type WireList struct {
	Location string      `json:"location"`
	Scores   []WireScore `json:"scores"`
}

// Ranked is the cached view of one (control, location) list. It is written to
// the cache as a single value so readers never see a torn entry.
type Ranked struct {
	List   json.RawMessage `json:"list"`
	Length int             `json:"length"`
	// Lowest is the points of the worst entry, or 0 for an empty list.
	Lowest int64 `json:"lowest"`
}

func emptyRanked(location string) Ranked {
	payload, _ := json.Marshal(WireList{Location: location, Scores: []WireScore{}})
	return Ranked{List: payload}
}

func toWire(s store.Score) WireScore {
	return WireScore{
		Name:     s.Name,
		Comment:  s.Comment,
		Points:   s.Points,
		Control:  s.Control,
		Location: s.Location,
		Date:     s.Date.Unix(),
	}
}

// listQuery selects the records backing a list. The world list spans every
// location and the week list every location with the week flag set.
func (e *Engine) listQuery(control, location string, limit int) store.Query {
	q := store.Query{Control: control, Order: store.OrderPointsDesc, Limit: limit}
	switch location {
	case e.settings.World:
	case e.settings.Week:
		q.NewWeek = store.Bool(true)
	default:
		q.Location = location
	}
	return q
}

// TopList returns the cached list for (control, location), building it from the
// store on a miss. On error the returned list is a well-formed empty list.
func (e *Engine) TopList(ctx context.Context, topN int, control, location string) (Ranked, error) {
	scope := e.scope(location)
	if !e.settings.ValidControl(control) {
		return emptyRanked(location), fmt.Errorf("%w: %q", ErrInvalidControl, control)
	}
	if topN <= 0 {
		return emptyRanked(location), fmt.Errorf("ranking: list length must be positive, got %d", topN)
	}

	key := listKey(control, location)
	if ranked, ok := e.cachedList(ctx, key); ok {
		e.metrics.ObserveListLookup(scope, metrics.ListLookupHit)
		return ranked, nil
	}

	start := time.Now()
	records, err := e.store.Find(ctx, e.settings.Partition, e.listQuery(control, location, topN))
	if err != nil {
		e.metrics.ObserveListLookup(scope, metrics.ListLookupError)
		e.listLog.Error("list fetch failed",
			slog.String("control", control),
			slog.String("location", location),
			slog.Any("error", err),
		)
		return emptyRanked(location), fmt.Errorf("ranking: fetch list %s: %w", key, err)
	}

	wire := WireList{Location: location, Scores: make([]WireScore, 0, len(records))}
	for _, record := range records {
		wire.Scores = append(wire.Scores, toWire(record))
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return emptyRanked(location), fmt.Errorf("ranking: encode list %s: %w", key, err)
	}
	ranked := Ranked{List: payload, Length: len(records)}
	if len(records) > 0 {
		ranked.Lowest = records[len(records)-1].Points
	}

	e.storeList(ctx, key, ranked)
	e.metrics.ObserveListLookup(scope, metrics.ListLookupMiss)
	e.metrics.ObserveListRebuild(scope, time.Since(start))
	e.listLog.Debug("list rebuilt",
		slog.String("control", control),
		slog.String("location", location),
		slog.Int("length", ranked.Length),
		slog.Int64("lowest", ranked.Lowest),
	)
	return ranked, nil
}

func (e *Engine) cachedList(ctx context.Context, key string) (Ranked, bool) {
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.listLog.Warn("list cache read failed", slog.String("key", key), slog.Any("error", err))
		return Ranked{}, false
	}
	if !ok {
		return Ranked{}, false
	}
	var ranked Ranked
	if err := json.Unmarshal(raw, &ranked); err != nil || len(ranked.List) == 0 {
		e.listLog.Warn("discarding undecodable cached list", slog.String("key", key))
		return Ranked{}, false
	}
	return ranked, true
}

func (e *Engine) storeList(ctx context.Context, key string, ranked Ranked) {
	payload, err := json.Marshal(ranked)
	if err != nil {
		e.listLog.Error("list encode failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := e.cache.Set(ctx, key, payload); err != nil {
		e.listLog.Warn("list cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Eligible reports whether a score with points would enter the list.
func (e *Engine) Eligible(list Ranked, points int64) bool {
	return list.Length < e.settings.TopN || points >= list.Lowest
}

// WouldShow is the admission test: the score must be able to enter either its
// own location list or the week list. Each list is judged against its own
// threshold, so a list that is not yet full always admits.
func (e *Engine) WouldShow(ctx context.Context, control, location string, points int64) bool {
	local, _ := e.TopList(ctx, e.settings.TopN, control, location)
	week, _ := e.TopList(ctx, e.settings.TopN, control, e.settings.Week)
	return e.Eligible(local, points) || e.Eligible(week, points)
}

// InvalidateIfAffected deletes the cached list only when a new score with
// points could change it. It reports whether a delete was issued.
func (e *Engine) InvalidateIfAffected(ctx context.Context, control, location string, points int64) bool {
	key := listKey(control, location)
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.listLog.Warn("list cache read failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if !ok {
		return false
	}
	var ranked Ranked
	if err := json.Unmarshal(raw, &ranked); err == nil && !e.Eligible(ranked, points) {
		return false
	}
	e.deleteList(ctx, key, metrics.InvalidationSelective)
	return true
}

// Invalidate always deletes the cached list.
func (e *Engine) Invalidate(ctx context.Context, control, location string) cache.DeleteResult {
	return e.deleteList(ctx, listKey(control, location), metrics.InvalidationUnconditional)
}

func (e *Engine) deleteList(ctx context.Context, key string, mode metrics.InvalidationMode) cache.DeleteResult {
	result, err := e.cache.Delete(ctx, key)
	e.metrics.ObserveInvalidation(mode, result.String())
	switch result {
	case cache.Deleted:
		e.listLog.Debug("cached list deleted", slog.String("key", key))
	case cache.NotFound:
		e.listLog.Debug("cached list absent, nothing deleted", slog.String("key", key))
	case cache.TransportError:
		e.listLog.Error("cached list delete failed", slog.String("key", key), slog.Any("error", err))
	}
	return result
}

// Rebuild invalidates the list and immediately caches a fresh copy.
func (e *Engine) Rebuild(ctx context.Context, control, location string) (Ranked, error) {
	e.Invalidate(ctx, control, location)
	return e.TopList(ctx, e.settings.TopN, control, location)
}
