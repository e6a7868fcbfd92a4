package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/tradehold-backend/internal/orders"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

const (
	defaultAutoReleaseAfter = 7 * 24 * time.Hour
	defaultAutoReleaseBatch = 100
)

type deliveredOrderReader interface {
	ListDeliveredBefore(ctx context.Context, deliveredBefore time.Time, limit int) ([]models.Order, error)
}

type fundsReleaser interface {
	ReleaseFunds(ctx context.Context, input orders.ReleaseInput) (*orders.TransitionResult, error)
}

// AutoReleaseJobParams configure the delivered order release sweep.
type AutoReleaseJobParams struct {
	Logger    *logger.Logger
	Reader    deliveredOrderReader
	Releaser  fundsReleaser
	Metrics   processedRecorder
	After     time.Duration
	BatchSize int
}

// NewAutoReleaseJob builds the job that releases funds for buyers who never
// confirmed satisfaction within the window.
func NewAutoReleaseJob(params AutoReleaseJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reader == nil {
		return nil, fmt.Errorf("delivered order reader required")
	}
	if params.Releaser == nil {
		return nil, fmt.Errorf("funds releaser required")
	}
	after := params.After
	if after <= 0 {
		after = defaultAutoReleaseAfter
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultAutoReleaseBatch
	}
	return &autoReleaseJob{
		logg:     params.Logger,
		reader:   params.Reader,
		releaser: params.Releaser,
		metrics:  params.Metrics,
		after:    after,
		batch:    batch,
		now:      time.Now,
	}, nil
}

type autoReleaseJob struct {
	logg     *logger.Logger
	reader   deliveredOrderReader
	releaser fundsReleaser
	metrics  processedRecorder
	after    time.Duration
	batch    int
	now      func() time.Time
}

func (j *autoReleaseJob) Name() string { return "auto-release-delivered" }

func (j *autoReleaseJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.after)
	due, err := j.reader.ListDeliveredBefore(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query delivered orders: %w", err)
	}

	var errs error
	released := 0
	for _, order := range due {
		res, err := j.releaser.ReleaseFunds(ctx, orders.ReleaseInput{
			OrderID: order.ID,
			Actor:   orders.SystemActor(),
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release order %s: %w", order.ID, err))
			continue
		}
		if res.Transitioned {
			released++
		}
	}
	if j.metrics != nil {
		j.metrics.AddProcessed(j.Name(), released)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":   cutoff,
		"due":      len(due),
		"released": released,
	})
	j.logg.Info(logCtx, "auto release loop complete")
	return errs
}
