package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	"github.com/angelmondragon/tradehold-backend/pkg/types"
)

// Order is one buyer/seller/product escrow transaction.
type Order struct {
	ID           uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	BuyerID      uuid.UUID          `gorm:"column:buyer_id;type:uuid;not null"`
	SellerID     uuid.UUID          `gorm:"column:seller_id;type:uuid;not null"`
	ProductID    uuid.UUID          `gorm:"column:product_id;type:uuid;not null"`
	DeliveryMode enums.DeliveryMode `gorm:"column:delivery_mode;type:text;not null"`
	PaymentMode  enums.PaymentMode  `gorm:"column:payment_mode;type:text;not null"`
	Status       enums.OrderStatus  `gorm:"column:status;type:text;not null;default:'pending_payment'"`
	Version      int                `gorm:"column:version;not null;default:1"`

	ProductAmountCents int64  `gorm:"column:product_amount_cents;not null"`
	ShippingFeeCents   int64  `gorm:"column:shipping_fee_cents;not null;default:0"`
	PlatformFeeCents   int64  `gorm:"column:platform_fee_cents;not null"`
	TotalCents         int64  `gorm:"column:total_cents;not null"`
	Currency           string `gorm:"column:currency;type:text;not null"`

	HoldRef      *string `gorm:"column:hold_ref"`
	HoldAttempts int     `gorm:"column:hold_attempts;not null;default:0"`

	DisbursementRef  *string    `gorm:"column:disbursement_ref"`
	DisbursedAt      *time.Time `gorm:"column:disbursed_at"`
	RefundRef        *string    `gorm:"column:refund_ref"`
	RefundedAt       *time.Time `gorm:"column:refunded_at"`
	// SettlementClaim names the money movement in flight, disburse or refund.
	SettlementClaim  *string    `gorm:"column:settlement_claim"`
	PayoutPending    bool       `gorm:"column:payout_pending;not null;default:false"`
	ManualPayoutAt   *time.Time `gorm:"column:manual_payout_at"`
	ManualPayoutBy   *uuid.UUID `gorm:"column:manual_payout_by;type:uuid"`
	ManualPayoutNote *string    `gorm:"column:manual_payout_note"`

	ShippingAddress *types.ShippingAddress `gorm:"column:shipping_address;type:jsonb;serializer:json"`
	Carrier         *string                `gorm:"column:carrier"`
	TrackingNumber  *string                `gorm:"column:tracking_number"`

	MeetupLocation   *string    `gorm:"column:meetup_location"`
	MeetupAt         *time.Time `gorm:"column:meetup_at"`
	MeetupProposedBy *uuid.UUID `gorm:"column:meetup_proposed_by;type:uuid"`

	PaidAt            *time.Time `gorm:"column:paid_at"`
	ShippedAt         *time.Time `gorm:"column:shipped_at"`
	DeliveredAt       *time.Time `gorm:"column:delivered_at"`
	BuyerConfirmedAt  *time.Time `gorm:"column:buyer_confirmed_at"`
	SellerConfirmedAt *time.Time `gorm:"column:seller_confirmed_at"`
	ConfirmedAt       *time.Time `gorm:"column:confirmed_at"`
	CancelledAt       *time.Time `gorm:"column:cancelled_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Order) TableName() string { return "orders" }

// IsParticipant reports whether the user is the buyer or the seller.
func (o *Order) IsParticipant(userID uuid.UUID) bool {
	return o.BuyerID == userID || o.SellerID == userID
}

// Counterpart returns the other party of the trade.
func (o *Order) Counterpart(userID uuid.UUID) uuid.UUID {
	if o.BuyerID == userID {
		return o.SellerID
	}
	return o.BuyerID
}

// SellerPayoutCents is what the seller nets once the platform fee is withheld.
func (o *Order) SellerPayoutCents() int64 {
	return o.ProductAmountCents - o.PlatformFeeCents
}

// HasSucceededHold reports whether buyer funds are held by the processor.
func (o *Order) HasSucceededHold() bool {
	return o.PaymentMode == enums.PaymentModeOnline && o.HoldRef != nil && o.PaidAt != nil
}
