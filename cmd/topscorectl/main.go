// Command topscorectl runs schema migrations and maintenance operations
// against the configured score store and list cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v2"

	"github.com/l0p7/topscores/internal/backend"
	"github.com/l0p7/topscores/internal/config"
	"github.com/l0p7/topscores/internal/logging"
	"github.com/l0p7/topscores/internal/ranking"
	"github.com/l0p7/topscores/internal/store"
	"github.com/l0p7/topscores/internal/store/migrations"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:      "topscorectl",
		Usage:     "administer the top score service",
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to server configuration file"},
			&cli.StringFlag{Name: "env-prefix", Value: "TOPSCORES", Usage: "environment variable prefix"},
			&cli.BoolFlag{Name: "allow-memory", Usage: "run maintenance against the in-process memory store"},
		},
		Commands: []*cli.Command{
			migrateCommand(),
			{
				Name:  "flush",
				Usage: "drop every cached list, location memo and the sweep cursor",
				Action: withEngine(func(ctx context.Context, e *ranking.Engine, _ *cli.Context) (any, error) {
					return map[string]bool{"flushed": true}, e.FlushAll(ctx)
				}),
			},
			{
				Name:  "reflag",
				Usage: "clear the week flag of records that aged out of the window",
				Action: withEngine(func(ctx context.Context, e *ranking.Engine, _ *cli.Context) (any, error) {
					return e.Reflag(ctx)
				}),
			},
			{
				Name:  "deep-reflag",
				Usage: "recompute the week flag of every record",
				Action: withEngine(func(ctx context.Context, e *ranking.Engine, _ *cli.Context) (any, error) {
					return e.DeepReflag(ctx)
				}),
			},
			{
				Name:  "reconcile",
				Usage: "remove duplicate scores",
				Subcommands: []*cli.Command{
					{
						Name:      "location",
						Usage:     "reconcile every control of one location",
						ArgsUsage: "<location>",
						Action: withEngine(func(ctx context.Context, e *ranking.Engine, c *cli.Context) (any, error) {
							location, err := locationArg(c)
							if err != nil {
								return nil, err
							}
							return e.ReconcileLocation(ctx, location)
						}),
					},
					{
						Name:  "aggregates",
						Usage: "reconcile the world and week lists",
						Action: withEngine(func(ctx context.Context, e *ranking.Engine, _ *cli.Context) (any, error) {
							return e.ReconcileAggregates(ctx)
						}),
					},
					{
						Name:  "random",
						Usage: "reconcile a random registered location",
						Action: withEngine(func(ctx context.Context, e *ranking.Engine, _ *cli.Context) (any, error) {
							location, reports, err := e.ReconcileRandom(ctx)
							return map[string]any{"location": location, "reconciled": reports}, err
						}),
					},
				},
			},
			{
				Name:  "sweep",
				Usage: "reconcile registered locations round-robin within the sweep budget",
				Action: withEngine(func(ctx context.Context, e *ranking.Engine, _ *cli.Context) (any, error) {
					return e.Sweep(ctx)
				}),
			},
			{
				Name:  "prune",
				Usage: "delete scores that can never be shown",
				Subcommands: []*cli.Command{
					{
						Name:      "location",
						ArgsUsage: "<location>",
						Action: withEngine(func(ctx context.Context, e *ranking.Engine, c *cli.Context) (any, error) {
							location, err := locationArg(c)
							if err != nil {
								return nil, err
							}
							return e.PruneInvisible(ctx, location)
						}),
					},
					{
						Name: "random",
						Action: withEngine(func(ctx context.Context, e *ranking.Engine, _ *cli.Context) (any, error) {
							location, reports, err := e.PruneRandom(ctx)
							return map[string]any{"location": location, "pruned": reports}, err
						}),
					},
				},
			},
		},
	}
}

func locationArg(c *cli.Context) (string, error) {
	location := strings.ToLower(strings.TrimSpace(c.Args().First()))
	if location == "" {
		return "", errors.New("location argument required")
	}
	return location, nil
}

func loadConfig(c *cli.Context) (config.Config, *slog.Logger, error) {
	cfg, err := config.NewLoader(c.String("env-prefix"), c.String("config")).Load(c.Context)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Server.Logging, c.App.ErrWriter)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("configure logger: %w", err)
	}
	return cfg, logger, nil
}

type engineAction func(ctx context.Context, e *ranking.Engine, c *cli.Context) (any, error)

// withEngine opens the configured backends, runs fn and prints its report as
// JSON. The report is printed even when fn fails. A memory store is refused
// unless --allow-memory is set, since a fresh process sees it empty.
func withEngine(fn engineAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, logger, err := loadConfig(c)
		if err != nil {
			return err
		}
		if backend.StoreName(cfg.Server.Store) == "memory" {
			if !c.Bool("allow-memory") {
				return errors.New("maintenance needs a shared store, configured store is \"memory\" (pass --allow-memory to run anyway)")
			}
			logger.Warn("memory store starts empty, the command acts on no scores")
		}
		if backend.CacheName(cfg.Server.Cache) == "memory" {
			logger.Warn("memory cache starts empty, cached lists of the server are not touched")
		}
		listCache, _ := backend.OpenCache(logger, cfg.Server.Cache)
		defer listCache.Close(context.Background()) //nolint:errcheck

		scores, err := backend.OpenStore(c.Context, logger, cfg.Server.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer scores.Close() //nolint:errcheck

		engine, err := ranking.New(ranking.SettingsFromConfig(cfg), scores, listCache, logger)
		if err != nil {
			return err
		}
		report, runErr := fn(c.Context, engine, c)
		if report != nil {
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return errors.Join(runErr, err)
			}
		}
		return runErr
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "database migrations",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create migration tables",
				Action: withMigrator(func(c *cli.Context, m *migrate.Migrator) error {
					return m.Init(c.Context)
				}),
			},
			{
				Name:    "migrate",
				Aliases: []string{"up"},
				Usage:   "migrate database",
				Action: withMigrator(func(c *cli.Context, m *migrate.Migrator) error {
					if err := m.Lock(c.Context); err != nil {
						return err
					}
					defer m.Unlock(c.Context) //nolint:errcheck

					group, err := m.Migrate(c.Context)
					if err != nil {
						return err
					}
					if group.IsZero() {
						fmt.Fprintln(c.App.Writer, "no new migrations to run")
					} else {
						fmt.Fprintf(c.App.Writer, "migrated to %s\n", group)
					}
					return nil
				}),
			},
			{
				Name:    "rollback",
				Aliases: []string{"down"},
				Usage:   "rollback the last migration group",
				Action: withMigrator(func(c *cli.Context, m *migrate.Migrator) error {
					if err := m.Lock(c.Context); err != nil {
						return err
					}
					defer m.Unlock(c.Context) //nolint:errcheck

					group, err := m.Rollback(c.Context)
					if err != nil {
						return err
					}
					if group.IsZero() {
						fmt.Fprintln(c.App.Writer, "no groups to roll back")
					} else {
						fmt.Fprintf(c.App.Writer, "rolled back %s\n", group)
					}
					return nil
				}),
			},
			{
				Name:  "status",
				Usage: "print migrations status",
				Action: withMigrator(func(c *cli.Context, m *migrate.Migrator) error {
					ms, err := m.MigrationsWithStatus(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "migrations: %s\n", ms)
					fmt.Fprintf(c.App.Writer, "applied: %s\n", ms.Applied())
					fmt.Fprintf(c.App.Writer, "unapplied: %s\n", ms.Unapplied())
					return nil
				}),
			},
		},
	}
}

func withMigrator(fn func(c *cli.Context, m *migrate.Migrator) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, _, err := loadConfig(c)
		if err != nil {
			return err
		}
		if backend.StoreName(cfg.Server.Store) != "postgres" {
			return fmt.Errorf("migrations need the postgres store, configured store is %q", backend.StoreName(cfg.Server.Store))
		}
		st, err := store.OpenPostgres(c.Context, store.PostgresConfig{
			DSN:    cfg.Server.Store.Postgres.DSN,
			Driver: strings.TrimSpace(strings.ToLower(cfg.Server.Store.Postgres.Driver)),
		})
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		return fn(c, migrations.NewMigrator(st.DB()))
	}
}
