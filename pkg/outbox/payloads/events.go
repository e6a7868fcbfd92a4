package payloads

import (
	"time"

	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	"github.com/google/uuid"
)

// TimelineAppendedEvent mirrors an order timeline entry into the trade's chat thread.
type TimelineAppendedEvent struct {
	OrderID     uuid.UUID               `json:"order_id"`
	EntryID     uuid.UUID               `json:"entry_id"`
	BuyerID     uuid.UUID               `json:"buyer_id"`
	SellerID    uuid.UUID               `json:"seller_id"`
	EventType   enums.TimelineEventType `json:"event_type"`
	Description string                  `json:"description"`
	Status      enums.OrderStatus       `json:"status"`
	ActorID     *uuid.UUID              `json:"actor_id,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

// OrderSettledEvent feeds seller reputation once an order reaches a final state.
type OrderSettledEvent struct {
	OrderID            uuid.UUID         `json:"order_id"`
	BuyerID            uuid.UUID         `json:"buyer_id"`
	SellerID           uuid.UUID         `json:"seller_id"`
	Status             enums.OrderStatus `json:"status"`
	PaymentMode        enums.PaymentMode `json:"payment_mode"`
	ProductAmountCents int64             `json:"product_amount_cents"`
	TotalCents         int64             `json:"total_cents"`
	Disputed           bool              `json:"disputed"`
	SettledAt          time.Time         `json:"settled_at"`
}
