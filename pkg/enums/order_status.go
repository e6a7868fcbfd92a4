package enums

import "fmt"

// OrderStatus tracks an escrow order from checkout to settlement.
type OrderStatus string

const (
	OrderStatusPendingPayment         OrderStatus = "pending_payment"
	OrderStatusPaid                   OrderStatus = "paid"
	OrderStatusMeetupArranged         OrderStatus = "meetup_arranged"
	OrderStatusShipped                OrderStatus = "shipped"
	OrderStatusDelivered              OrderStatus = "delivered"
	OrderStatusCompleted              OrderStatus = "completed"
	OrderStatusCompletedPendingPayout OrderStatus = "completed_pending_payout"
	OrderStatusDisputed               OrderStatus = "disputed"
	OrderStatusCancelled              OrderStatus = "cancelled"
	OrderStatusRefunded               OrderStatus = "refunded"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPendingPayment,
	OrderStatusPaid,
	OrderStatusMeetupArranged,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCompleted,
	OrderStatusCompletedPendingPayout,
	OrderStatusDisputed,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCompletedPendingPayout, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// IsSettled reports whether funds have left custody or were routed to manual payout.
func (s OrderStatus) IsSettled() bool {
	return s == OrderStatusCompleted || s == OrderStatusCompletedPendingPayout
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
