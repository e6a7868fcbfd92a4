package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/pkg/config"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox/registry"
)

func TestProcessBatchContinuesAfterFailure(t *testing.T) {
	first, second := newRow(t, enums.EventTimelineAppended), newRow(t, enums.EventTimelineAppended)
	repo := &fakeRepo{events: []models.OutboxEvent{first, second}}
	pub := &fakePublisher{results: []publishResult{
		fakePublishResult{err: errors.New("transient")},
		fakePublishResult{},
	}}
	service := newTestService(t, repo, pub, timelineRegistry(), &fakeDLQRepo{}, config.OutboxConfig{})

	handled, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if handled != 2 {
		t.Fatalf("expected 2 rows handled, got %d", handled)
	}
	if len(repo.failed) != 1 || repo.failed[0] != first.ID {
		t.Fatalf("expected first row marked failed, got %v", repo.failed)
	}
	if len(repo.published) != 1 || repo.published[0] != second.ID {
		t.Fatalf("expected second row published, got %v", repo.published)
	}
}

func TestPublishUsesOrderingKeyAndResumesAfterFailure(t *testing.T) {
	row := newRow(t, enums.EventOrderSettled)
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{err: errors.New("deadline exceeded")}}}
	reg := &fakeRegistry{resolved: &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{Topic: "order-events", AggregateType: enums.AggregateOrder},
		Payload:    &payloads.OrderSettledEvent{},
	}}
	service := newTestService(t, repo, pub, reg, &fakeDLQRepo{}, config.OutboxConfig{})

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(pub.messages) != 1 || pub.messages[0].OrderingKey != row.AggregateID.String() {
		t.Fatalf("expected message ordered by order id, got %+v", pub.messages)
	}
	if pub.messages[0].Attributes["event_type"] != string(enums.EventOrderSettled) {
		t.Fatalf("unexpected attributes %v", pub.messages[0].Attributes)
	}
	if len(pub.resumed) != 1 || pub.resumed[0] != row.AggregateID.String() {
		t.Fatalf("expected ordering key resumed after failure, got %v", pub.resumed)
	}
	if len(repo.failed) != 1 {
		t.Fatalf("expected row marked failed, got %d", len(repo.failed))
	}
}

func TestNonRetryableRowIsParkedAndForwarded(t *testing.T) {
	row := newRow(t, enums.EventTimelineAppended)
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	dlqRepo := &fakeDLQRepo{}
	dlqPub := &fakePublisher{}
	reg := &fakeRegistry{err: registry.NewNonRetryableError(errors.New("bad payload"))}
	service := newTestService(t, repo, &fakePublisher{}, reg, dlqRepo, config.OutboxConfig{})
	service.dlqTopic = "order-events-dlq"
	service.publishers = newPublisherCache(func(topic string) publisher {
		if topic != "order-events-dlq" {
			t.Fatalf("unexpected topic %q", topic)
		}
		return dlqPub
	})

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(dlqRepo.entries) != 1 {
		t.Fatalf("expected dlq entry, got %d", len(dlqRepo.entries))
	}
	entry := dlqRepo.entries[0]
	if entry.EventID != row.ID || !bytes.Equal(entry.Payload, row.Payload) {
		t.Fatalf("dlq entry does not match row: %+v", entry)
	}
	if entry.ErrorReason != enums.OutboxDLQReasonNonRetryable {
		t.Fatalf("unexpected error reason %s", entry.ErrorReason)
	}
	if len(repo.terminal) != 1 || repo.terminal[0] != row.ID {
		t.Fatalf("expected row marked terminal, got %v", repo.terminal)
	}
	if len(dlqPub.messages) != 1 || dlqPub.messages[0].Attributes["error_reason"] != string(enums.OutboxDLQReasonNonRetryable) {
		t.Fatalf("expected dlq forward, got %+v", dlqPub.messages)
	}
}

func TestLastAttemptIsDeadLettered(t *testing.T) {
	row := newRow(t, enums.EventTimelineAppended)
	row.AttemptCount = 1
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{err: errors.New("transient")}}}
	dlqRepo := &fakeDLQRepo{}
	service := newTestService(t, repo, pub, timelineRegistry(), dlqRepo, config.OutboxConfig{BatchSize: 1, MaxAttempts: 2})

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(dlqRepo.entries) != 1 || dlqRepo.entries[0].ErrorReason != enums.OutboxDLQReasonMaxAttempts {
		t.Fatalf("expected max attempts dlq entry, got %+v", dlqRepo.entries)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("terminal row should not also be marked failed")
	}
}

func TestBookkeepingFailureAbortsBatch(t *testing.T) {
	repo := &fakeRepo{
		events:     []models.OutboxEvent{newRow(t, enums.EventTimelineAppended)},
		publishErr: errors.New("connection reset"),
	}
	service := newTestService(t, repo, &fakePublisher{}, timelineRegistry(), &fakeDLQRepo{}, config.OutboxConfig{})

	if _, err := service.processBatch(context.Background()); err == nil {
		t.Fatalf("expected batch error")
	}
}

func TestRunDrainsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	row := newRow(t, enums.EventTimelineAppended)
	repo := &fakeRepo{events: []models.OutboxEvent{row}, once: true}
	repo.onEmpty = cancel
	pub := &fakePublisher{}
	service := newTestService(t, repo, pub, timelineRegistry(), &fakeDLQRepo{}, config.OutboxConfig{BatchSize: 1, PollIntervalMS: 1})

	err := service.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if len(repo.published) != 1 {
		t.Fatalf("expected row published before shutdown, got %v", repo.published)
	}
	if !pub.stopped {
		t.Fatalf("expected publishers flushed on shutdown")
	}
}

func newTestService(t *testing.T, repo outboxRepository, pub publisher, reg registryResolver, dlq dlqRepository, cfg config.OutboxConfig) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Config:           cfg,
		Logger:           logger.New(logger.Options{ServiceName: "outbox-publisher-test", Output: io.Discard}),
		DB:               &fakeDB{},
		PubSub:           &fakePubSubClient{},
		Repository:       repo,
		Registry:         reg,
		DLQRepository:    dlq,
		PublisherFactory: func(string) publisher { return pub },
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func timelineRegistry() *fakeRegistry {
	return &fakeRegistry{resolved: &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{Topic: "order-events", AggregateType: enums.AggregateOrder},
		Payload:    &payloads.TimelineAppendedEvent{},
	}}
}

func newRow(tb testing.TB, eventType enums.OutboxEventType) models.OutboxEvent {
	tb.Helper()
	payload, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(`{}`),
	})
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       payload,
	}
}

type fakeRepo struct {
	events     []models.OutboxEvent
	once       bool
	onEmpty    func()
	publishErr error
	published  []uuid.UUID
	failed     []uuid.UUID
	terminal   []uuid.UUID
}

func (f *fakeRepo) FetchUnpublishedForPublish(*gorm.DB, int, int) ([]models.OutboxEvent, error) {
	events := f.events
	if f.once {
		f.events = nil
	}
	if len(events) == 0 && f.onEmpty != nil {
		f.onEmpty()
	}
	return events, nil
}

func (f *fakeRepo) MarkPublishedTx(_ *gorm.DB, id uuid.UUID) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(_ *gorm.DB, id uuid.UUID, _ error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) MarkTerminalTx(_ *gorm.DB, id uuid.UUID, _ error, _ int) error {
	f.terminal = append(f.terminal, id)
	return nil
}

type fakeDB struct{}

func (fakeDB) Ping(context.Context) error { return nil }

func (fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error { return fn(nil) }

type fakePubSubClient struct{}

func (fakePubSubClient) Ping(context.Context) error { return nil }

func (fakePubSubClient) DLQTopic() string { return "" }

func (fakePubSubClient) Publisher(string) *gcppubsub.Publisher { return nil }

type fakePublisher struct {
	results  []publishResult
	messages []*gcppubsub.Message
	resumed  []string
	stopped  bool
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	if len(f.results) == 0 {
		return fakePublishResult{}
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

func (f *fakePublisher) ResumePublish(key string) { f.resumed = append(f.resumed, key) }

func (f *fakePublisher) Stop() { f.stopped = true }

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) { return "msg-1", f.err }

type fakeRegistry struct {
	resolved *registry.ResolvedEvent
	err      error
}

func (f *fakeRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.resolved == nil {
		return nil, f.err
	}
	resolved := *f.resolved
	resolved.Envelope = outbox.PayloadEnvelope{EventID: event.ID.String(), OccurredAt: time.Now()}
	return &resolved, f.err
}

type fakeDLQRepo struct {
	entries []models.OutboxDLQ
}

func (f *fakeDLQRepo) InsertTx(_ *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}
