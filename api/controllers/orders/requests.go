package orders

import (
	"time"

	"github.com/angelmondragon/tradehold-backend/pkg/types"
)

// One request type per operation. Fields that do not apply to an operation
// are rejected by the decoder rather than ignored.

type createOrderRequest struct {
	ProductID       string                 `json:"product_id" validate:"required,uuid"`
	DeliveryMode    string                 `json:"delivery_mode" validate:"required,oneof=meetup shipping"`
	PaymentMode     string                 `json:"payment_mode" validate:"required,oneof=online cash"`
	ShippingAddress *types.ShippingAddress `json:"shipping_address,omitempty"`
}

type confirmPaymentRequest struct {
	ExternalHoldID string `json:"external_hold_id" validate:"required,max=255"`
}

type shipRequest struct {
	Carrier        string `json:"carrier" validate:"required,max=64"`
	TrackingNumber string `json:"tracking_number" validate:"required,max=128"`
}

type arrangeMeetupRequest struct {
	Location string    `json:"location" validate:"required,max=255"`
	At       time.Time `json:"at" validate:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}
