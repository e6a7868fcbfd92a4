package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	"github.com/angelmondragon/tradehold-backend/pkg/pagination"
)

// Repository defines persistence operations for the orders table. Every status
// change goes through Transition, a compare-and-swap on the current status.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByHoldRef(ctx context.Context, holdRef string) (*models.Order, error)
	Transition(ctx context.Context, t Transition) (bool, error)
	AttachHold(ctx context.Context, orderID uuid.UUID, attempt int, holdRef string) (bool, error)
	AdvanceHoldAttempt(ctx context.Context, orderID uuid.UUID, attempt int) (bool, error)
	RecordDisbursement(ctx context.Context, orderID uuid.UUID, ref string, at time.Time) (bool, error)
	RecordRefund(ctx context.Context, orderID uuid.UUID, ref string, at time.Time) (bool, error)
	ClaimSettlement(ctx context.Context, orderID uuid.UUID, op string) (bool, error)
	ReleaseSettlementClaim(ctx context.Context, orderID uuid.UUID, op string) error
	RecordManualPayout(ctx context.Context, orderID, adminID uuid.UUID, note *string, at time.Time) (bool, error)
	ListByParticipant(ctx context.Context, query ListQuery) ([]models.Order, *pagination.Cursor, error)
	ListStalePendingHolds(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Order, error)
	ListDeliveredBefore(ctx context.Context, deliveredBefore time.Time, limit int) ([]models.Order, error)
	ListPendingPayoutsBySeller(ctx context.Context, sellerID uuid.UUID) ([]models.Order, error)
}

// Catalog is the narrow view of product listings checkout needs.
type Catalog interface {
	WithTx(tx *gorm.DB) Catalog
	FindProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error)
	MarkSold(ctx context.Context, productID, orderID uuid.UUID, at time.Time) (bool, error)
	Release(ctx context.Context, productID, orderID uuid.UUID) error
}

// Transition is a guarded status update. It applies only while the order is
// in one of From and every Guard holds.
type Transition struct {
	OrderID uuid.UUID
	From    []enums.OrderStatus
	To      enums.OrderStatus
	Set     map[string]any
	Guards  []Guard
}

// Guard is an extra WHERE condition on a Transition.
type Guard struct {
	Query string
	Args  []any
}

func notRefunded() Guard {
	return Guard{Query: "refunded_at IS NULL"}
}

func notDisbursed() Guard {
	return Guard{Query: "disbursed_at IS NULL"}
}

func holdRefIs(ref string) Guard {
	return Guard{Query: "hold_ref = ?", Args: []any{ref}}
}

// ListQuery filters a participant's orders.
type ListQuery struct {
	UserID uuid.UUID
	Role   ParticipantRole
	Status *enums.OrderStatus
	Limit  int
	Cursor *pagination.Cursor
}
