// Package custody wraps the external payment processor that holds buyer funds
// until an order settles.
package custody

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/pkg/enums"
)

// Operation names feed idempotency keys and metrics labels.
const (
	OpCreateHold = "create_hold"
	OpHoldStatus = "hold_status"
	OpDisburse   = "disburse"
	OpRefund     = "refund"
)

// Adapter is the custody surface the escrow engine depends on.
type Adapter interface {
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)
	GetHoldStatus(ctx context.Context, holdRef string) (*HoldState, error)
	Disburse(ctx context.Context, req DisbursementRequest) (*Disbursement, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

type HoldRequest struct {
	OrderID        uuid.UUID
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Hold is a freshly created payment intent. ClientSecret lets the buyer's
// client complete authorization and is never persisted.
type Hold struct {
	Ref          string
	ClientSecret string
	Status       enums.HoldStatus
}

// HoldState is what the processor currently reports for a hold.
type HoldState struct {
	Ref         string
	Status      enums.HoldStatus
	AmountCents int64
	Currency    string
	ChargeRef   string
	FailureCode string
}

type DisbursementRequest struct {
	OrderID            uuid.UUID
	HoldRef            string
	DestinationAccount string
	AmountCents        int64
	Currency           string
	Metadata           map[string]string
	IdempotencyKey     string
}

type Disbursement struct {
	Ref string
}

// RefundRequest returns held funds. AmountCents of zero refunds the full hold.
type RefundRequest struct {
	OrderID        uuid.UUID
	HoldRef        string
	AmountCents    int64
	Metadata       map[string]string
	IdempotencyKey string
}

// Refund is the processor outcome. Voided is set when the hold never captured
// funds and was cancelled instead of refunded.
type Refund struct {
	Ref         string
	Voided      bool
	AlreadyDone bool
}

// IdempotencyKey derives the processor idempotency key for one logical operation on an order.
func IdempotencyKey(orderID uuid.UUID, operation string) string {
	return fmt.Sprintf("order:%s:%s", orderID, operation)
}

// HoldIdempotencyKey scopes hold creation to an attempt so a buyer can retry after a rejection.
func HoldIdempotencyKey(orderID uuid.UUID, attempt int) string {
	return fmt.Sprintf("%s:%d", IdempotencyKey(orderID, OpCreateHold), attempt)
}
