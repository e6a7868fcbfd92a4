package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	"github.com/angelmondragon/tradehold-backend/pkg/types"
)

// Actor is whoever asks for a transition. System jobs carry uuid.Nil.
type Actor struct {
	UserID uuid.UUID
	Role   enums.ActorRole
}

// SystemActor is used by scheduled jobs and processor callbacks.
func SystemActor() Actor {
	return Actor{Role: enums.ActorRoleSystem}
}

func (a Actor) IsSystem() bool { return a.Role == enums.ActorRoleSystem }

func (a Actor) ref() *uuid.UUID {
	if a.UserID == uuid.Nil {
		return nil
	}
	id := a.UserID
	return &id
}

// ParticipantRole selects which side of the trade a listing shows.
type ParticipantRole string

const (
	ParticipantBuyer  ParticipantRole = "buyer"
	ParticipantSeller ParticipantRole = "seller"
)

// ParseParticipantRole defaults to buyer on empty input.
func ParseParticipantRole(value string) (ParticipantRole, error) {
	switch ParticipantRole(value) {
	case "", ParticipantBuyer:
		return ParticipantBuyer, nil
	case ParticipantSeller:
		return ParticipantSeller, nil
	}
	return "", fmt.Errorf("invalid role %q", value)
}

// PaymentSource says which path asked for a payment check.
type PaymentSource string

const (
	PaymentSourceClient  PaymentSource = "client"
	PaymentSourceWebhook PaymentSource = "webhook"
	PaymentSourceSweep   PaymentSource = "sweep"
)

// CreateInput starts checkout. ShippingAddress is required for shipping and
// rejected for meetup.
type CreateInput struct {
	BuyerID         uuid.UUID
	ProductID       uuid.UUID
	DeliveryMode    enums.DeliveryMode
	PaymentMode     enums.PaymentMode
	ShippingAddress *types.ShippingAddress
}

// CreateResult carries the handle the client needs to authorize an online hold.
type CreateResult struct {
	Order        *models.Order
	ClientSecret string
}

type RetryPaymentInput struct {
	OrderID uuid.UUID
	Actor   Actor
}

type ConfirmPaymentInput struct {
	OrderID        uuid.UUID
	ExternalHoldID string
	Actor          Actor
}

// PaymentCheck asks the shared paid transition to re-read the processor.
type PaymentCheck struct {
	OrderID         uuid.UUID
	ExpectedHoldRef string
	Source          PaymentSource
	Actor           Actor
}

type ShipInput struct {
	OrderID        uuid.UUID
	Actor          Actor
	Carrier        string
	TrackingNumber string
}

type ArrangeMeetupInput struct {
	OrderID  uuid.UUID
	Actor    Actor
	Location string
	At       time.Time
}

type ConfirmMeetupInput struct {
	OrderID uuid.UUID
	Actor   Actor
}

type ConfirmDeliveryInput struct {
	OrderID uuid.UUID
	Actor   Actor
}

type ReleaseInput struct {
	OrderID uuid.UUID
	Actor   Actor
}

type CancelInput struct {
	OrderID uuid.UUID
	Actor   Actor
	Reason  string
}

type ManualPayoutInput struct {
	OrderID uuid.UUID
	Actor   Actor
	Note    *string
}

type GetInput struct {
	OrderID uuid.UUID
	Actor   Actor
}

type ListInput struct {
	Actor  Actor
	Role   ParticipantRole
	Status *enums.OrderStatus
	Limit  int
	Cursor string
}

// TransitionResult is returned by every state-changing call. Transitioned is
// false when the call found the work already done.
type TransitionResult struct {
	Order        *models.Order
	Transitioned bool
}

// Frozen is an order moved into dispute along with the status it left.
type Frozen struct {
	Order *models.Order
	From  enums.OrderStatus
}

type ListResult struct {
	Orders []models.Order
	Cursor string
}

type OrderDetail struct {
	Order    *models.Order
	Timeline []models.TimelineEntry
}
