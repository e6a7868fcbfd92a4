package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/tradehold-backend/internal/reconciliation"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

const (
	defaultPendingHoldAge   = 15 * time.Minute
	defaultPendingHoldBatch = 100
)

type holdSweeper interface {
	SweepPendingHolds(ctx context.Context, olderThan time.Duration, limit int) (reconciliation.SweepResult, error)
}

type processedRecorder interface {
	AddProcessed(job string, n int)
}

// PendingHoldsJobParams configure the stale hold sweep.
type PendingHoldsJobParams struct {
	Logger    *logger.Logger
	Sweeper   holdSweeper
	Metrics   processedRecorder
	OlderThan time.Duration
	BatchSize int
}

// NewPendingHoldsJob builds the job that re-checks holds whose webhook never
// arrived.
func NewPendingHoldsJob(params PendingHoldsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("hold sweeper required")
	}
	olderThan := params.OlderThan
	if olderThan <= 0 {
		olderThan = defaultPendingHoldAge
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultPendingHoldBatch
	}
	return &pendingHoldsJob{
		logg:      params.Logger,
		sweeper:   params.Sweeper,
		metrics:   params.Metrics,
		olderThan: olderThan,
		batch:     batch,
	}, nil
}

type pendingHoldsJob struct {
	logg      *logger.Logger
	sweeper   holdSweeper
	metrics   processedRecorder
	olderThan time.Duration
	batch     int
}

func (j *pendingHoldsJob) Name() string { return "reconcile-pending-holds" }

func (j *pendingHoldsJob) Run(ctx context.Context) error {
	result, err := j.sweeper.SweepPendingHolds(ctx, j.olderThan, j.batch)
	if j.metrics != nil {
		j.metrics.AddProcessed(j.Name(), result.Advanced)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"checked":  result.Checked,
		"advanced": result.Advanced,
		"pending":  result.Pending,
		"failed":   result.Failed,
	})
	j.logg.Info(logCtx, "pending hold sweep complete")
	if err != nil {
		return fmt.Errorf("sweep pending holds: %w", err)
	}
	return nil
}
