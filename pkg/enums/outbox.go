package enums

import (
	"fmt"
	"slices"
)

// OutboxAggregateType is the kind of entity an outbox row belongs to.
type OutboxAggregateType string

const (
	AggregateOrder   OutboxAggregateType = "order"
	AggregateDispute OutboxAggregateType = "dispute"
)

var validAggregateTypes = []OutboxAggregateType{AggregateOrder, AggregateDispute}

func (a OutboxAggregateType) IsValid() bool {
	return slices.Contains(validAggregateTypes, a)
}

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	if a := OutboxAggregateType(value); a.IsValid() {
		return a, nil
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType selects the topic and payload schema of an outbox row.
type OutboxEventType string

const (
	// EventTimelineAppended feeds the chat notification consumer.
	EventTimelineAppended OutboxEventType = "order_timeline_appended"
	// EventOrderSettled feeds the seller credit-score consumer. At most one
	// per order.
	EventOrderSettled OutboxEventType = "order_settled"
)

var validOutboxEventTypes = []OutboxEventType{EventTimelineAppended, EventOrderSettled}

func (e OutboxEventType) IsValid() bool {
	return slices.Contains(validOutboxEventTypes, e)
}

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	if e := OutboxEventType(value); e.IsValid() {
		return e, nil
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// OutboxDLQErrorReason records why the publisher gave up on a row.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
