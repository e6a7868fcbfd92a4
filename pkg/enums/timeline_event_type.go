package enums

import "fmt"

// TimelineEventType labels an entry in an order's append-only timeline.
type TimelineEventType string

const (
	TimelineOrderCreated          TimelineEventType = "created"
	TimelineHoldCreated           TimelineEventType = "hold_created"
	TimelineHoldSucceeded         TimelineEventType = "hold_succeeded"
	TimelinePaymentFailed         TimelineEventType = "payment_failed"
	TimelineShipped               TimelineEventType = "shipped"
	TimelineMeetupArranged        TimelineEventType = "meetup_arranged"
	TimelineMeetupConfirmed       TimelineEventType = "meetup_confirmed"
	TimelineDelivered             TimelineEventType = "delivered"
	TimelineFundsReleased         TimelineEventType = "funds_released"
	TimelinePayoutPending         TimelineEventType = "payout_pending"
	TimelineManualPayout          TimelineEventType = "manual_payout"
	TimelineCancelled             TimelineEventType = "cancelled"
	TimelineRefunded              TimelineEventType = "refunded"
	TimelineDisputed              TimelineEventType = "disputed"
	TimelineDisputeResolved       TimelineEventType = "dispute_resolved"
	TimelineProcessorError        TimelineEventType = "processor_error"
	// TimelineSettlementInterrupted marks money that moved while the order
	// changed state underneath the settling call.
	TimelineSettlementInterrupted TimelineEventType = "settlement_interrupted"
	TimelinePayoutAccountUpdated  TimelineEventType = "payout_account_updated"
)

var validTimelineEventTypes = []TimelineEventType{
	TimelineOrderCreated,
	TimelineHoldCreated,
	TimelineHoldSucceeded,
	TimelinePaymentFailed,
	TimelineShipped,
	TimelineMeetupArranged,
	TimelineMeetupConfirmed,
	TimelineDelivered,
	TimelineFundsReleased,
	TimelinePayoutPending,
	TimelineManualPayout,
	TimelineCancelled,
	TimelineRefunded,
	TimelineDisputed,
	TimelineDisputeResolved,
	TimelineProcessorError,
	TimelineSettlementInterrupted,
	TimelinePayoutAccountUpdated,
}

// String implements fmt.Stringer.
func (t TimelineEventType) String() string {
	return string(t)
}

// IsValid reports whether the value is a known TimelineEventType.
func (t TimelineEventType) IsValid() bool {
	for _, candidate := range validTimelineEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTimelineEventType converts raw input into a TimelineEventType.
func ParseTimelineEventType(value string) (TimelineEventType, error) {
	for _, candidate := range validTimelineEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid timeline event type %q", value)
}
