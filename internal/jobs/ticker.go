package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.uber.org/zap"
)

// RunTicker sweeps on a fixed interval until ctx ends. It serves stores without river,
// such as SQLite, where a single process owns the database.
func RunTicker(ctx context.Context, reclaimer Reclaimer, interval time.Duration, batchSize int, logger *zap.Logger) error {
	if interval <= 0 {
		return errors.New("jobs: sweep interval must be positive")
	}
	if batchSize <= 0 {
		return errors.New("jobs: sweep batch size must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if report, err := Drain(ctx, reclaimer, batchSize); err != nil {
				logger.Warn("reclaim sweep incomplete",
					zap.Int("refunded", report.Refunded),
					zap.Int("failed", report.Failed),
					zap.Error(err),
				)
			}
		}
	}
}

// Drain repeats full batches until a batch comes back short, so a backlog clears in one call.
// It stops at the first batch that reports an error.
func Drain(ctx context.Context, reclaimer Reclaimer, batchSize int) (ledger.ReclaimReport, error) {
	var total ledger.ReclaimReport
	for ctx.Err() == nil {
		report, err := reclaimer.ReclaimExpired(ctx, batchSize)
		total.Scanned += report.Scanned
		total.Refunded += report.Refunded
		total.Skipped += report.Skipped
		total.Failed += report.Failed
		if err != nil {
			return total, err
		}
		if report.Scanned < batchSize || report.Refunded == 0 {
			return total, nil
		}
	}
	return total, ctx.Err()
}
