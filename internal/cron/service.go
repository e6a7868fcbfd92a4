package cron

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/tradehold-backend/pkg/logger"
	"github.com/angelmondragon/tradehold-backend/pkg/metrics"
)

const defaultJobTimeout = 5 * time.Minute

type ServiceParams struct {
	Logger     *logger.Logger
	Registry   *Registry
	Locks      Locker
	Metrics    *metrics.CronJobMetrics
	JobTimeout time.Duration
}

// Service runs every registered job on its own ticker. A job that fails or
// overruns only affects its own schedule.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	locks    Locker
	metrics  *metrics.CronJobMetrics
	timeout  time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locks == nil {
		return nil, fmt.Errorf("locker required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	timeout := params.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return &Service{
		logg:     params.Logger,
		registry: params.Registry,
		locks:    params.Locks,
		metrics:  params.Metrics,
		timeout:  timeout,
	}, nil
}

// Run blocks until ctx is canceled. Each job runs once immediately and then
// on its cadence.
func (s *Service) Run(ctx context.Context) error {
	schedules := s.registry.Schedules()
	if len(schedules) == 0 {
		return fmt.Errorf("no cron jobs registered")
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, schedule := range schedules {
		group.Go(func() error {
			return s.loop(ctx, schedule)
		})
	}
	return group.Wait()
}

func (s *Service) loop(ctx context.Context, schedule Schedule) error {
	lock := s.locks.For(schedule.Job.Name())
	s.runOnce(ctx, schedule.Job, lock)

	ticker := time.NewTicker(schedule.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx, schedule.Job, lock)
		}
	}
}

// runOnce reports whether the job actually ran on this worker.
func (s *Service) runOnce(ctx context.Context, job Job, lock Lock) bool {
	jobCtx := s.logg.WithFields(ctx, map[string]any{
		"job":   job.Name(),
		"event": "cron.job",
	})

	locked, err := lock.Acquire(jobCtx)
	if err != nil {
		s.logg.Error(jobCtx, "cron lock acquire failed", err)
		s.recordFailure(job.Name())
		return false
	}
	if !locked {
		s.logg.Debug(jobCtx, "job held by another worker; skipping")
		return false
	}
	defer func() {
		if relErr := lock.Release(jobCtx); relErr != nil {
			s.logg.Error(jobCtx, "failed to release cron lock", relErr)
		}
	}()

	runCtx, cancel := context.WithTimeout(jobCtx, s.timeout)
	defer cancel()

	start := time.Now()
	err = job.Run(runCtx)
	duration := time.Since(start)
	s.observeDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.recordFailure(job.Name())
		return true
	}
	s.logg.Info(jobCtx, "job completed")
	s.recordSuccess(job.Name())
	return true
}

func (s *Service) observeDuration(job string, duration time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveDuration(job, duration)
}

func (s *Service) recordSuccess(job string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncSuccess(job)
}

func (s *Service) recordFailure(job string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncFailure(job)
}
