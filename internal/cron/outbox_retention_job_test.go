package cron

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

type scriptedPruner struct {
	cutoffs []time.Time
	limits  []int
	rows    []int64
	err     error
}

func (p *scriptedPruner) DeletePublishedBefore(_ *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	p.limits = append(p.limits, limit)
	if p.err != nil {
		return 0, p.err
	}
	if len(p.rows) == 0 {
		return 0, nil
	}
	n := p.rows[0]
	p.rows = p.rows[1:]
	return n, nil
}

type inlineTx struct{}

func (inlineTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

func retentionJob(t *testing.T, pruner *scriptedPruner, retention time.Duration, batch int, out *bytes.Buffer) *outboxRetentionJob {
	t.Helper()
	opts := logger.Options{ServiceName: "test", Level: logger.ParseLevel("info")}
	if out != nil {
		opts.Output = out
	}
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.New(opts),
		DB:         inlineTx{},
		Repository: pruner,
		Retention:  retention,
		BatchSize:  batch,
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	return job.(*outboxRetentionJob)
}

func TestOutboxRetentionUsesDefaultWindowAndBatch(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	pruner := &scriptedPruner{rows: []int64{7}}
	job := retentionJob(t, pruner, 0, 0, nil)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pruner.cutoffs) != 1 || !pruner.cutoffs[0].Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cutoffs %v", pruner.cutoffs)
	}
	if pruner.limits[0] != outboxPruneBatch {
		t.Fatalf("expected default batch, got %d", pruner.limits[0])
	}
}

func TestOutboxRetentionDrainsUntilShortBatch(t *testing.T) {
	pruner := &scriptedPruner{rows: []int64{2, 2, 1, 2}}
	job := retentionJob(t, pruner, time.Hour, 2, nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pruner.cutoffs) != 3 {
		t.Fatalf("expected three batches, got %d", len(pruner.cutoffs))
	}
}

func TestOutboxRetentionWarnsWhenCapped(t *testing.T) {
	rows := make([]int64, outboxMaxBatches+5)
	for i := range rows {
		rows[i] = 1
	}
	pruner := &scriptedPruner{rows: rows}
	buf := &bytes.Buffer{}
	job := retentionJob(t, pruner, time.Hour, 1, buf)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pruner.cutoffs) != outboxMaxBatches {
		t.Fatalf("expected %d batches, got %d", outboxMaxBatches, len(pruner.cutoffs))
	}
	if !strings.Contains(buf.String(), "backlog") {
		t.Fatalf("expected backlog warning, got %s", buf.String())
	}
}

func TestOutboxRetentionStopsOnCancelAndErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pruner := &scriptedPruner{rows: []int64{5}}
	if err := retentionJob(t, pruner, time.Hour, 5, nil).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(pruner.cutoffs) != 0 {
		t.Fatalf("canceled run must not prune")
	}

	failing := &scriptedPruner{err: errors.New("boom")}
	if err := retentionJob(t, failing, time.Hour, 5, nil).Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestOutboxRetentionRejectsNegativeWindow(t *testing.T) {
	_, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
		DB:         inlineTx{},
		Repository: &scriptedPruner{},
		Retention:  -time.Hour,
	})
	if err == nil {
		t.Fatal("expected error for negative retention")
	}
}
