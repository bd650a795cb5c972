package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/l0p7/topscores/internal/store/migrations"
)

// PostgresConfig selects the SQL driver and connection string.
type PostgresConfig struct {
	DSN string
	// Driver is "pgdriver" (default) or "pgx".
	Driver      string
	AutoMigrate bool
}

// PostgresStore persists scores through bun.
type PostgresStore struct {
	db *bun.DB
}

// OpenPostgres connects, pings and optionally migrates the database.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store: postgres dsn required")
	}
	sqldb, err := openSQL(cfg)
	if err != nil {
		return nil, err
	}
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	if cfg.AutoMigrate {
		if _, err := migrations.Apply(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgres wraps an existing bun handle.
func NewPostgres(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func openSQL(cfg PostgresConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "", "pgdriver":
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))), nil
	case "pgx":
		sqldb, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: open pgx: %w", err)
		}
		return sqldb, nil
	default:
		return nil, fmt.Errorf("store: unsupported postgres driver %q", cfg.Driver)
	}
}

// DB exposes the bun handle for migration tooling.
func (s *PostgresStore) DB() *bun.DB {
	return s.db
}

func (s *PostgresStore) Insert(ctx context.Context, partition string, score *Score) error {
	score.Partition = partition
	if _, err := s.db.NewInsert().Model(score).Exec(ctx); err != nil {
		return fmt.Errorf("store: insert score: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, partition string, q Query) ([]Score, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	out := make([]Score, 0, q.Limit)
	sel := s.db.NewSelect().Model(&out).Where("partition = ?", partition)
	if q.Control != "" {
		sel = sel.Where("control = ?", q.Control)
	}
	if q.Location != "" {
		sel = sel.Where("location = ?", q.Location)
	}
	if q.NewWeek != nil {
		sel = sel.Where("new_week = ?", *q.NewWeek)
	}
	if q.Name != nil {
		sel = sel.Where("name = ?", *q.Name)
	}
	if q.Comment != nil {
		sel = sel.Where("comment = ?", *q.Comment)
	}
	if q.Points != nil {
		sel = sel.Where("points = ?", *q.Points)
	}
	if q.PointsBelow != nil {
		sel = sel.Where("points < ?", *q.PointsBelow)
	}
	if !q.DateAtOrBefore.IsZero() {
		sel = sel.Where("date <= ?", q.DateAtOrBefore)
	}
	if !q.DateAfter.IsZero() {
		sel = sel.Where("date > ?", q.DateAfter)
	}
	switch q.Order {
	case OrderDateDesc:
		sel = sel.Order("date DESC", "id")
	case OrderDateAsc:
		sel = sel.Order("date ASC", "id")
	default:
		sel = sel.Order("points DESC", "date ASC", "id")
	}
	if err := sel.Limit(q.Limit).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, nil
		}
		return nil, fmt.Errorf("store: find scores: %w", err)
	}
	return out, nil
}

// Put updates the week flag in place, grouped by target value. Records that no
// longer exist are not recreated.
func (s *PostgresStore) Put(ctx context.Context, partition string, scores []Score) error {
	byFlag := map[bool][]uuid.UUID{}
	for _, score := range scores {
		byFlag[score.NewWeek] = append(byFlag[score.NewWeek], score.ID)
	}
	for flag, ids := range byFlag {
		_, err := s.db.NewUpdate().
			Model((*Score)(nil)).
			Set("new_week = ?", flag).
			Where("partition = ?", partition).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("store: put %d scores: %w", len(ids), err)
		}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, partition string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewDelete().
		Model((*Score)(nil)).
		Where("partition = ?", partition).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: delete %d scores: %w", len(ids), err)
	}
	return nil
}

func (s *PostgresStore) SaveLocation(ctx context.Context, name string) error {
	_, err := s.db.NewInsert().
		Model(&Location{Name: name}).
		On("CONFLICT (name) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: save location %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) Locations(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.NewSelect().
		Model((*Location)(nil)).
		Column("name").
		Order("name ASC").
		Scan(ctx, &names)
	if err != nil {
		return nil, fmt.Errorf("store: list locations: %w", err)
	}
	return names, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
