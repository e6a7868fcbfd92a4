package cron

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Job is one escrow sweep. Run must be safe to repeat: every job drives
// transitions that are no-ops on orders already moved.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedule pairs a job with its own cadence.
type Schedule struct {
	Job   Job
	Every time.Duration
}

// Registry tracks the scheduled jobs by name.
type Registry struct {
	schedules []Schedule
	names     map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{names: map[string]struct{}{}}
}

// Register adds a job. Names key the distributed locks and metrics, so they
// must be unique.
func (r *Registry) Register(job Job, every time.Duration) error {
	if job == nil {
		return fmt.Errorf("job required")
	}
	name := strings.TrimSpace(job.Name())
	if name == "" {
		return fmt.Errorf("job name required")
	}
	if every <= 0 {
		return fmt.Errorf("job %s: cadence must be positive", name)
	}
	if _, exists := r.names[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	r.names[name] = struct{}{}
	r.schedules = append(r.schedules, Schedule{Job: job, Every: every})
	return nil
}

// Schedules returns a copy in registration order.
func (r *Registry) Schedules() []Schedule {
	out := make([]Schedule, len(r.schedules))
	copy(out, r.schedules)
	return out
}
