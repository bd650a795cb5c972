package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	if err := Migrations.DiscoverCaller(); err != nil {
		panic(err)
	}
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		statements := []string{
			`CREATE TABLE IF NOT EXISTS scores (
				id UUID PRIMARY KEY,
				partition TEXT NOT NULL,
				name TEXT NOT NULL,
				comment TEXT NOT NULL DEFAULT '',
				points BIGINT NOT NULL CHECK (points >= 0),
				control TEXT NOT NULL,
				location TEXT NOT NULL,
				date TIMESTAMPTZ NOT NULL,
				new_week BOOLEAN NOT NULL DEFAULT TRUE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_scores_control_location_points
				ON scores (partition, control, location, points DESC, date)`,
			`CREATE INDEX IF NOT EXISTS idx_scores_control_points
				ON scores (partition, control, points DESC, date)`,
			`CREATE INDEX IF NOT EXISTS idx_scores_new_week_date
				ON scores (partition, new_week, date DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_scores_identity
				ON scores (partition, control, name, points)`,
			`CREATE TABLE IF NOT EXISTS locations (
				name TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create score schema: %w", err)
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS locations`); err != nil {
			return fmt.Errorf("drop locations: %w", err)
		}
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS scores`); err != nil {
			return fmt.Errorf("drop scores: %w", err)
		}
		return nil
	})
}
