package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/l0p7/topscores/internal/cache"
	"github.com/l0p7/topscores/internal/config"
	"github.com/l0p7/topscores/internal/metrics"
	"github.com/l0p7/topscores/internal/store"
)

// ErrInvalidControl is returned for control schemes outside the configured set.
var ErrInvalidControl = errors.New("ranking: invalid control")

// Settings are the fixed constants the engine runs with.
type Settings struct {
	Partition        string
	NameMaxLength    int
	CommentMaxLength int
	TopN             int
	WeekWindow       time.Duration
	Controls         []string
	World            string
	Week             string
	Unknown          string
	SubmitSecret     string

	ReflagChunkSize  int
	ReflagFetchLimit int
	DeleteBatchSize  int
	SweepBudget      time.Duration
}

// SettingsFromConfig lifts the validated configuration into engine settings.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Partition:        cfg.Server.Store.Partition,
		NameMaxLength:    cfg.Ranking.NameMaxLength,
		CommentMaxLength: cfg.Ranking.CommentMaxLength,
		TopN:             cfg.Ranking.TopListLength,
		WeekWindow:       cfg.Ranking.WeekWindow(),
		Controls:         slices.Clone(cfg.Ranking.Controls),
		World:            cfg.Ranking.WorldLocation,
		Week:             cfg.Ranking.WeekLocation,
		Unknown:          cfg.Ranking.UnknownLocation,
		SubmitSecret:     cfg.Ranking.SubmitSecret,
		ReflagChunkSize:  cfg.Ranking.ReflagChunkSize,
		ReflagFetchLimit: cfg.Ranking.ReflagFetchLimit,
		DeleteBatchSize:  cfg.Ranking.DeleteBatchSize,
		SweepBudget:      cfg.Ranking.SweepBudget(),
	}
}

// ValidControl reports whether control is one of the configured schemes.
func (s Settings) ValidControl(control string) bool {
	return slices.Contains(s.Controls, control)
}

// Engine owns the ranked list cache and every operation that reads or mutates
// scores. It holds no mutable state of its own; all coordination goes through
// the shared store and cache.
type Engine struct {
	settings Settings
	store    store.Store
	cache    cache.Cache
	metrics  *metrics.Recorder

	now    func() time.Time
	intn   func(n int) int
	logger *slog.Logger

	listLog     *slog.Logger
	submitLog   *slog.Logger
	rolloverLog *slog.Logger
	reconcLog   *slog.Logger
	locationLog *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, used for week window and sweep deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRandom replaces the source used to pick a random location.
func WithRandom(intn func(n int) int) Option {
	return func(e *Engine) {
		if intn != nil {
			e.intn = intn
		}
	}
}

// WithMetrics attaches a Prometheus recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = rec }
}

// New wires an engine over the given store and cache.
func New(settings Settings, st store.Store, c cache.Cache, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if st == nil || c == nil {
		return nil, errors.New("ranking: store and cache required")
	}
	if settings.TopN <= 0 || len(settings.Controls) == 0 || settings.Partition == "" {
		return nil, fmt.Errorf("ranking: incomplete settings")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		settings: settings,
		store:    st,
		cache:    c,
		now:      time.Now,
		intn:     rand.IntN,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.listLog = logger.With(slog.String("agent", "lists"))
	e.submitLog = logger.With(slog.String("agent", "submission"))
	e.rolloverLog = logger.With(slog.String("agent", "rollover"))
	e.reconcLog = logger.With(slog.String("agent", "reconcile"))
	e.locationLog = logger.With(slog.String("agent", "locations"))
	return e, nil
}

// Settings returns the constants the engine was built with.
func (e *Engine) Settings() Settings {
	return e.settings
}

// FlushAll drops every cached list, location memo and the sweep cursor.
func (e *Engine) FlushAll(ctx context.Context) error {
	if err := e.cache.FlushAll(ctx); err != nil {
		e.logger.Error("cache flush failed", slog.Any("error", err))
		return fmt.Errorf("ranking: flush: %w", err)
	}
	e.logger.Info("cache flushed")
	return nil
}

func listKey(control, location string) string {
	return "list:" + control + ":" + location
}

// scope collapses a location into a low-cardinality metric label.
func (e *Engine) scope(location string) string {
	switch location {
	case e.settings.World:
		return "world"
	case e.settings.Week:
		return "week"
	default:
		return "local"
	}
}

// timePrecision matches the resolution of the SQL timestamp column.
const timePrecision = time.Microsecond
