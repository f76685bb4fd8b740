// Package maintenance implements the Scheduled Maintenance reaper (C15): a
// cron-driven job that scans for sagas stuck IN_PROGRESS past the
// configured threshold and raises an audit alert for each (spec §4.12).
// Expired job-ownership records and delivery tickets need no reaping of
// their own — Redis's TTL already removes them — so this worker's only
// duty is the stuck-saga sweep.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/nodeforge/internal/audit"
	"github.com/basket/nodeforge/internal/saga"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the reaper's dependencies.
type Config struct {
	Sagas              *saga.Store
	Logger             *slog.Logger
	Schedule           string        // standard 5-field cron expression
	StuckSagaThreshold time.Duration // a saga IN_PROGRESS longer than this is stuck
}

// Reaper runs Config.Schedule against the saga store, logging and
// audit-recording every saga it finds stuck.
type Reaper struct {
	cfg  Config
	cron *cronlib.Cron
}

func New(cfg Config) *Reaper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.StuckSagaThreshold <= 0 {
		cfg.StuckSagaThreshold = 30 * time.Minute
	}
	return &Reaper{cfg: cfg, cron: cronlib.New(cronlib.WithParser(cronParser))}
}

// Run schedules the sweep and blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("maintenance: invalid schedule %q: %w", r.cfg.Schedule, err)
	}
	r.cron.Start()
	defer r.cron.Stop()

	<-ctx.Done()
	return ctx.Err()
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.StuckSagaThreshold)
	stuck, err := r.cfg.Sagas.StuckSagas(ctx, cutoff)
	if err != nil {
		r.cfg.Logger.Error("maintenance sweep failed", "error", err)
		return
	}
	for _, sg := range stuck {
		r.cfg.Logger.Warn("saga stuck in progress",
			"saga_id", sg.ID, "type", sg.Type, "resource_id", sg.RelatedResourceID, "updated_at", sg.UpdatedAt)
		audit.Record("saga.stuck", string(sg.Type), sg.RelatedResourceID, "", fmt.Sprintf("saga_id=%s updated_at=%s", sg.ID, sg.UpdatedAt))
	}
	if len(stuck) > 0 {
		r.cfg.Logger.Info("maintenance sweep found stuck sagas", "count", len(stuck))
	}
}
