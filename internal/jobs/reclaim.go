// Package jobs runs the sweep that refunds charges whose lease expired.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
)

const (
	reclaimJobKind    = "ledger_reclaim_expired"
	reclaimQueue      = "ledger_sweeper"
	reclaimJobTimeout = 2 * time.Minute
)

// Reclaimer is the part of ledger.Service the sweeper needs.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context, limit int) (ledger.ReclaimReport, error)
}

// ReclaimArgs is the river payload of one sweep.
type ReclaimArgs struct {
	Limit int `json:"limit"`
}

func (ReclaimArgs) Kind() string { return reclaimJobKind }

// ReclaimWorker performs one sweep per job.
type ReclaimWorker struct {
	river.WorkerDefaults[ReclaimArgs]
	reclaimer Reclaimer
	logger    *zap.Logger
}

// NewReclaimWorker returns a worker calling reclaimer.
func NewReclaimWorker(reclaimer Reclaimer, logger *zap.Logger) *ReclaimWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReclaimWorker{reclaimer: reclaimer, logger: logger}
}

func (worker *ReclaimWorker) Timeout(*river.Job[ReclaimArgs]) time.Duration {
	return reclaimJobTimeout
}

// Work returns an error only when some charge could not be refunded, so river retries the sweep.
// Charges refunded earlier in the same job are skipped on retry because they are no longer pending.
func (worker *ReclaimWorker) Work(ctx context.Context, job *river.Job[ReclaimArgs]) error {
	report, err := worker.reclaimer.ReclaimExpired(ctx, job.Args.Limit)
	if err != nil {
		worker.logger.Warn("reclaim sweep incomplete",
			zap.Int64("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Int("refunded", report.Refunded),
			zap.Int("failed", report.Failed),
			zap.Error(err),
		)
		return fmt.Errorf("reclaim expired: %w", err)
	}
	return nil
}

// RiverConfig drives the Postgres-backed sweeper.
type RiverConfig struct {
	Interval  time.Duration
	BatchSize int
}

// NewRiverClient returns a river client that enqueues a sweep every cfg.Interval.
// Only the elected leader schedules periodic jobs, so several daemons can share one database.
func NewRiverClient(pool *pgxpool.Pool, reclaimer Reclaimer, cfg RiverConfig, logger *zap.Logger) (*river.Client[pgx.Tx], error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("jobs: sweep interval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("jobs: sweep batch size must be positive")
	}
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, NewReclaimWorker(reclaimer, logger)); err != nil {
		return nil, fmt.Errorf("jobs: add worker: %w", err)
	}
	batchSize := cfg.BatchSize
	periodicJob := river.NewPeriodicJob(
		river.PeriodicInterval(cfg.Interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReclaimArgs{Limit: batchSize}, &river.InsertOpts{Queue: reclaimQueue}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			reclaimQueue: {MaxWorkers: 1},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{periodicJob},
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: river client: %w", err)
	}
	return client, nil
}

// MigrateRiver brings river's own tables up to date.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("jobs: river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("jobs: river migrate: %w", err)
	}
	return nil
}
