package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	"github.com/angelmondragon/tradehold-backend/pkg/types"
)

// OrderView is the response shape of an order. Stage holds exactly one
// status-specific variant, so a meetup order never carries tracking fields
// and a pending order never carries settlement fields.
type OrderView struct {
	ID           uuid.UUID          `json:"id"`
	BuyerID      uuid.UUID          `json:"buyer_id"`
	SellerID     uuid.UUID          `json:"seller_id"`
	ProductID    uuid.UUID          `json:"product_id"`
	DeliveryMode enums.DeliveryMode `json:"delivery_mode"`
	PaymentMode  enums.PaymentMode  `json:"payment_mode"`
	Status       enums.OrderStatus  `json:"status"`
	Amounts      AmountsView        `json:"amounts"`
	Stage        StageView          `json:"stage"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type AmountsView struct {
	ProductCents      int64  `json:"product_cents"`
	ShippingFeeCents  int64  `json:"shipping_fee_cents"`
	PlatformFeeCents  int64  `json:"platform_fee_cents"`
	TotalCents        int64  `json:"total_cents"`
	SellerPayoutCents int64  `json:"seller_payout_cents"`
	Currency          string `json:"currency"`
}

// StageView is implemented only by the variants in this file.
type StageView interface {
	stage() enums.OrderStatus
}

type PendingPaymentStage struct {
	HoldAttempts int  `json:"hold_attempts"`
	HoldStarted  bool `json:"hold_started"`
}

type PaidStage struct {
	PaidAt          *time.Time             `json:"paid_at,omitempty"`
	ShippingAddress *types.ShippingAddress `json:"shipping_address,omitempty"`
}

type MeetupArrangedStage struct {
	Location          string     `json:"location"`
	At                time.Time  `json:"at"`
	ProposedBy        *uuid.UUID `json:"proposed_by,omitempty"`
	BuyerConfirmedAt  *time.Time `json:"buyer_confirmed_at,omitempty"`
	SellerConfirmedAt *time.Time `json:"seller_confirmed_at,omitempty"`
}

type ShippedStage struct {
	Carrier         string                 `json:"carrier"`
	TrackingNumber  string                 `json:"tracking_number"`
	ShippedAt       *time.Time             `json:"shipped_at,omitempty"`
	ShippingAddress *types.ShippingAddress `json:"shipping_address,omitempty"`
}

type DeliveredStage struct {
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

type CompletedStage struct {
	DisbursedAt     *time.Time `json:"disbursed_at,omitempty"`
	DisbursementRef *string    `json:"disbursement_ref,omitempty"`
}

type PendingPayoutStage struct {
	ManualPayoutAt *time.Time `json:"manual_payout_at,omitempty"`
	ManualPayoutBy *uuid.UUID `json:"manual_payout_by,omitempty"`
}

type DisputedStage struct {
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

type CancelledStage struct {
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	Refunded    bool       `json:"refunded"`
}

type RefundedStage struct {
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
	RefundRef   *string    `json:"refund_ref,omitempty"`
	RefundCents int64      `json:"refund_cents"`
}

func (PendingPaymentStage) stage() enums.OrderStatus { return enums.OrderStatusPendingPayment }
func (PaidStage) stage() enums.OrderStatus           { return enums.OrderStatusPaid }
func (MeetupArrangedStage) stage() enums.OrderStatus { return enums.OrderStatusMeetupArranged }
func (ShippedStage) stage() enums.OrderStatus        { return enums.OrderStatusShipped }
func (DeliveredStage) stage() enums.OrderStatus      { return enums.OrderStatusDelivered }
func (CompletedStage) stage() enums.OrderStatus      { return enums.OrderStatusCompleted }
func (PendingPayoutStage) stage() enums.OrderStatus  { return enums.OrderStatusCompletedPendingPayout }
func (DisputedStage) stage() enums.OrderStatus       { return enums.OrderStatusDisputed }
func (CancelledStage) stage() enums.OrderStatus      { return enums.OrderStatusCancelled }
func (RefundedStage) stage() enums.OrderStatus       { return enums.OrderStatusRefunded }

func NewOrderView(order *models.Order) OrderView {
	return OrderView{
		ID:           order.ID,
		BuyerID:      order.BuyerID,
		SellerID:     order.SellerID,
		ProductID:    order.ProductID,
		DeliveryMode: order.DeliveryMode,
		PaymentMode:  order.PaymentMode,
		Status:       order.Status,
		Amounts: AmountsView{
			ProductCents:      order.ProductAmountCents,
			ShippingFeeCents:  order.ShippingFeeCents,
			PlatformFeeCents:  order.PlatformFeeCents,
			TotalCents:        order.TotalCents,
			SellerPayoutCents: order.SellerPayoutCents(),
			Currency:          order.Currency,
		},
		Stage:     stageOf(order),
		CreatedAt: order.CreatedAt,
		UpdatedAt: order.UpdatedAt,
	}
}

func stageOf(o *models.Order) StageView {
	switch o.Status {
	case enums.OrderStatusPaid:
		return PaidStage{PaidAt: o.PaidAt, ShippingAddress: o.ShippingAddress}
	case enums.OrderStatusMeetupArranged:
		stage := MeetupArrangedStage{
			ProposedBy:        o.MeetupProposedBy,
			BuyerConfirmedAt:  o.BuyerConfirmedAt,
			SellerConfirmedAt: o.SellerConfirmedAt,
		}
		if o.MeetupLocation != nil {
			stage.Location = *o.MeetupLocation
		}
		if o.MeetupAt != nil {
			stage.At = *o.MeetupAt
		}
		return stage
	case enums.OrderStatusShipped:
		stage := ShippedStage{ShippedAt: o.ShippedAt, ShippingAddress: o.ShippingAddress}
		if o.Carrier != nil {
			stage.Carrier = *o.Carrier
		}
		if o.TrackingNumber != nil {
			stage.TrackingNumber = *o.TrackingNumber
		}
		return stage
	case enums.OrderStatusDelivered:
		return DeliveredStage{DeliveredAt: o.DeliveredAt}
	case enums.OrderStatusCompleted:
		return CompletedStage{DisbursedAt: o.DisbursedAt, DisbursementRef: o.DisbursementRef}
	case enums.OrderStatusCompletedPendingPayout:
		return PendingPayoutStage{ManualPayoutAt: o.ManualPayoutAt, ManualPayoutBy: o.ManualPayoutBy}
	case enums.OrderStatusDisputed:
		return DisputedStage{PaidAt: o.PaidAt, DeliveredAt: o.DeliveredAt}
	case enums.OrderStatusCancelled:
		return CancelledStage{CancelledAt: o.CancelledAt, Refunded: o.RefundedAt != nil}
	case enums.OrderStatusRefunded:
		return RefundedStage{RefundedAt: o.RefundedAt, RefundRef: o.RefundRef, RefundCents: o.TotalCents}
	default:
		return PendingPaymentStage{HoldAttempts: o.HoldAttempts, HoldStarted: o.HoldRef != nil}
	}
}

type TimelineEntryView struct {
	ID          uuid.UUID               `json:"id"`
	EventType   enums.TimelineEventType `json:"event_type"`
	Description string                  `json:"description"`
	ActorID     *uuid.UUID              `json:"actor_id,omitempty"`
	Metadata    types.Metadata          `json:"metadata,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

func newTimelineView(entries []models.TimelineEntry) []TimelineEntryView {
	out := make([]TimelineEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, TimelineEntryView{
			ID:          e.ID,
			EventType:   e.EventType,
			Description: e.Description,
			ActorID:     e.ActorID,
			Metadata:    e.Metadata,
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}

type transitionResponse struct {
	Order        OrderView `json:"order"`
	Transitioned bool      `json:"transitioned"`
}

type createResponse struct {
	Order        OrderView `json:"order"`
	ClientSecret string    `json:"client_secret,omitempty"`
}

type detailResponse struct {
	Order    OrderView           `json:"order"`
	Timeline []TimelineEntryView `json:"timeline"`
}

type listResponse struct {
	Orders     []OrderView `json:"orders"`
	NextCursor string      `json:"next_cursor,omitempty"`
}
