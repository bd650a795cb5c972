// Package scheduler runs the ranking maintenance jobs on fixed intervals
// inside the server process.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/topscores/internal/config"
	"github.com/l0p7/topscores/internal/ranking"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Maintainer is the part of the engine the scheduler drives.
type Maintainer interface {
	Reflag(ctx context.Context) (ranking.ReflagReport, error)
	DeepReflag(ctx context.Context) (ranking.ReflagReport, error)
	ReconcileAggregates(ctx context.Context) ([]ranking.ReconcileReport, error)
	Sweep(ctx context.Context) (ranking.SweepReport, error)
}

// Jobs maps the maintenance intervals onto engine operations. Jobs with a
// zero interval are omitted.
func Jobs(m Maintainer, cfg config.MaintenanceConfig) []Job {
	candidates := []Job{
		{Name: "reflag", Interval: seconds(cfg.ReflagIntervalSeconds), Run: func(ctx context.Context) error {
			_, err := m.Reflag(ctx)
			return err
		}},
		{Name: "deep-reflag", Interval: seconds(cfg.DeepReflagIntervalSeconds), Run: func(ctx context.Context) error {
			_, err := m.DeepReflag(ctx)
			return err
		}},
		{Name: "reconcile-aggregates", Interval: seconds(cfg.AggregatesIntervalSeconds), Run: func(ctx context.Context) error {
			_, err := m.ReconcileAggregates(ctx)
			return err
		}},
		{Name: "sweep", Interval: seconds(cfg.SweepIntervalSeconds), Run: func(ctx context.Context) error {
			_, err := m.Sweep(ctx)
			return err
		}},
	}
	jobs := make([]Job, 0, len(candidates))
	for _, job := range candidates {
		if job.Interval > 0 {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Runner ticks each job independently. A slow job delays only its own next
// run; a failed run is logged and retried on the next tick.
type Runner struct {
	jobs   []Job
	logger *slog.Logger
}

// New validates jobs and prepares a runner.
func New(logger *slog.Logger, jobs ...Job) (*Runner, error) {
	if logger == nil {
		return nil, errors.New("scheduler: logger required")
	}
	for _, job := range jobs {
		if job.Run == nil || job.Interval <= 0 {
			return nil, errors.New("scheduler: job " + job.Name + " needs a positive interval and a run func")
		}
	}
	return &Runner{jobs: jobs, logger: logger.With(slog.String("agent", "scheduler"))}, nil
}

// Run blocks until ctx ends and every job loop has returned.
func (r *Runner) Run(ctx context.Context) {
	if len(r.jobs) == 0 {
		r.logger.Info("no maintenance jobs scheduled")
		<-ctx.Done()
		return
	}
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, job)
		}()
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	log := r.logger.With(slog.String("job", job.Name))
	log.Info("maintenance job scheduled", slog.Duration("interval", job.Interval))

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				log.Error("maintenance job failed", slog.Any("error", err))
				continue
			}
			log.Debug("maintenance job finished", slog.Duration("took", time.Since(start)))
		}
	}
}
