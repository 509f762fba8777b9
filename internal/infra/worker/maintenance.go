// Package worker runs the gateway's background maintenance jobs: metric
// gauge refresh and idempotency cache purging, scheduled with cron.
package worker

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"inference-mesh/internal/mesh"
	"inference-mesh/internal/observability/metrics"
	"inference-mesh/internal/observability/slo"
	"inference-mesh/internal/resilience"
)

// Schedules for the maintenance jobs. Gauge refresh is frequent so
// dashboards track node health closely; cache purge only needs to keep
// memory bounded.
const (
	defaultRefreshSchedule  = "@every 15s"
	defaultPurgeSchedule    = "@every 10m"
	defaultSnapshotSchedule = "@every 5m"
)

// Maintenance owns the cron scheduler for periodic gateway upkeep.
type Maintenance struct {
	mesh     *mesh.Mesh
	registry *resilience.Registry
	db       *sql.DB // nil when recall has no database
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewMaintenance creates the maintenance runner. db may be nil. Call Start
// to begin scheduling and Stop for graceful shutdown.
func NewMaintenance(m *mesh.Mesh, reg *resilience.Registry, db *sql.DB, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		mesh:     m,
		registry: reg,
		db:       db,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start registers the jobs and starts the scheduler. Gauges are refreshed
// once immediately so metrics are live before the first tick.
func (mt *Maintenance) Start() error {
	if _, err := mt.cron.AddFunc(defaultRefreshSchedule, mt.RefreshGauges); err != nil {
		return fmt.Errorf("failed to schedule gauge refresh: %w", err)
	}
	if _, err := mt.cron.AddFunc(defaultPurgeSchedule, mt.PurgeCache); err != nil {
		return fmt.Errorf("failed to schedule cache purge: %w", err)
	}
	if _, err := mt.cron.AddFunc(defaultSnapshotSchedule, mt.LogSnapshot); err != nil {
		return fmt.Errorf("failed to schedule stats snapshot: %w", err)
	}

	mt.RefreshGauges()
	mt.cron.Start()
	mt.logger.Info("maintenance scheduler started",
		slog.String("refresh_schedule", defaultRefreshSchedule),
		slog.String("purge_schedule", defaultPurgeSchedule))
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (mt *Maintenance) Stop() {
	ctx := mt.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		mt.logger.Warn("maintenance jobs did not finish before shutdown deadline")
	}
}

// RefreshGauges publishes the current node health and resilience snapshots
// as Prometheus gauges and recomputes SLO compliance.
func (mt *Maintenance) RefreshGauges() {
	metrics.UpdateMeshHealth(mt.mesh.GetStats())
	metrics.UpdateResilienceStats(mt.registry.GetStats())
	if mt.db != nil {
		stats := mt.db.Stats()
		metrics.UpdateDBConnectionStats(stats.InUse, stats.Idle)
	}
	slo.Refresh()
}

// PurgeCache drops expired idempotency entries.
func (mt *Maintenance) PurgeCache() {
	if dropped := mt.registry.Cache().Purge(); dropped > 0 {
		mt.logger.Info("purged idempotency cache", slog.Int("dropped", dropped))
	}
}

// LogSnapshot writes a periodic node health summary so operators can read
// routing state from logs alone.
func (mt *Maintenance) LogSnapshot() {
	stats := mt.mesh.GetStats()
	budget := mt.registry.GetStats().Budget

	attrs := make([]any, 0, len(stats.Nodes)+1)
	for _, n := range stats.Nodes {
		attrs = append(attrs, slog.Group(n.ID,
			slog.Float64("score", n.Score),
			slog.Float64("reliability", n.Reliability),
			slog.Float64("ewma_latency_ms", n.EWMALatencyMS),
			slog.String("circuit", n.CircuitState),
			slog.Bool("cooldown", n.InCooldown),
		))
	}
	attrs = append(attrs, slog.Float64("retry_rate_percent", budget.RetryRate))
	mt.logger.Info("mesh snapshot", attrs...)
}
