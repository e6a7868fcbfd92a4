package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox/registry"
)

const publishTimeout = 15 * time.Second

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
	DLQTopic() string
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type publisherFactory func(topic string) publisher

// publisherCache keeps one publisher per topic for the life of the loop. It
// is only touched from the Run goroutine.
type publisherCache struct {
	factory publisherFactory
	byTopic map[string]publisher
}

func newPublisherCache(factory publisherFactory) *publisherCache {
	return &publisherCache{factory: factory, byTopic: map[string]publisher{}}
}

func (c *publisherCache) get(topic string) publisher {
	if pub, ok := c.byTopic[topic]; ok {
		return pub
	}
	pub := c.factory(topic)
	if pub != nil {
		c.byTopic[topic] = pub
	}
	return pub
}

// stop flushes every publisher's pending messages.
func (c *publisherCache) stop() {
	for topic, pub := range c.byTopic {
		pub.Stop()
		delete(c.byTopic, topic)
	}
}

// publish sends the row ordered by aggregate id and waits for the broker ack.
func (s *Service) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publishers.get(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %s", topic))
	}

	orderingKey := event.AggregateID.String()
	msg := &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: orderingKey,
		Attributes:  resolved.Attributes(event),
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := pub.Publish(publishCtx, msg).Get(publishCtx); err != nil {
		// an ordered publisher pauses the key after a failure until resumed
		pub.ResumePublish(orderingKey)
		return err
	}
	return nil
}

// forwardToDLQ mirrors a parked event onto the dead-letter topic for
// alerting. The DLQ row is what counts; a failed forward is only logged.
func (s *Service) forwardToDLQ(ctx context.Context, event models.OutboxEvent, reason enums.OutboxDLQErrorReason) {
	if s.dlqTopic == "" {
		return
	}
	pub := s.publishers.get(s.dlqTopic)
	if pub == nil {
		return
	}
	msg := &gcppubsub.Message{
		Data: event.Payload,
		Attributes: map[string]string{
			"outbox_id":    event.ID.String(),
			"event_type":   string(event.EventType),
			"aggregate_id": event.AggregateID.String(),
			"error_reason": string(reason),
		},
	}
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := pub.Publish(publishCtx, msg).Get(publishCtx); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "dlq forward failed")
	}
}

func gcpPublisherFactory(client pubSubClient) publisherFactory {
	return func(topic string) publisher {
		p := client.Publisher(topic)
		if p == nil {
			return nil
		}
		return gcpPublisher{p}
	}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return gcpPublishResult{p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
