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

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByHoldRef(ctx context.Context, holdRef string) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("hold_ref = ?", holdRef).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) Transition(ctx context.Context, t Transition) (bool, error) {
	updates := map[string]any{
		"status":     string(t.To),
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}
	for column, value := range t.Set {
		updates[column] = value
	}

	query := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", t.OrderID).
		Where("status IN ?", statusStrings(t.From))
	for _, guard := range t.Guards {
		query = query.Where(guard.Query, guard.Args...)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// AttachHold stores the hold created for the given attempt. A concurrent retry
// that already attached the same attempt's hold leaves the row untouched.
func (r *repository) AttachHold(ctx context.Context, orderID uuid.UUID, attempt int, holdRef string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ? AND hold_attempts = ? AND hold_ref IS NULL", orderID, string(enums.OrderStatusPendingPayment), attempt).
		Updates(map[string]any{
			"hold_ref":   holdRef,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// AdvanceHoldAttempt burns the current attempt after a definitive failure so
// the next hold is requested under a fresh idempotency key.
func (r *repository) AdvanceHoldAttempt(ctx context.Context, orderID uuid.UUID, attempt int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ? AND hold_attempts = ?", orderID, string(enums.OrderStatusPendingPayment), attempt).
		Updates(map[string]any{
			"hold_attempts": attempt + 1,
			"hold_ref":      nil,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) RecordDisbursement(ctx context.Context, orderID uuid.UUID, ref string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND disbursed_at IS NULL AND refunded_at IS NULL", orderID).
		Updates(map[string]any{
			"disbursement_ref": ref,
			"disbursed_at":     at,
			"updated_at":       at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) RecordRefund(ctx context.Context, orderID uuid.UUID, ref string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND refunded_at IS NULL AND disbursed_at IS NULL", orderID).
		Updates(map[string]any{
			"refund_ref":  ref,
			"refunded_at": at,
			"updated_at":  at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ClaimSettlement reserves the order for one kind of money movement before
// the processor is called. Repeating the same op succeeds so retries replay.
func (r *repository) ClaimSettlement(ctx context.Context, orderID uuid.UUID, op string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND (settlement_claim IS NULL OR settlement_claim = ?)", orderID, op).
		Updates(map[string]any{
			"settlement_claim": op,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseSettlementClaim drops a claim whose processor call was refused.
// Claims backed by a recorded movement stay.
func (r *repository) ReleaseSettlementClaim(ctx context.Context, orderID uuid.UUID, op string) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND settlement_claim = ? AND disbursed_at IS NULL AND refunded_at IS NULL", orderID, op).
		Updates(map[string]any{
			"settlement_claim": nil,
			"updated_at":       time.Now().UTC(),
		}).Error
}

func (r *repository) RecordManualPayout(ctx context.Context, orderID, adminID uuid.UUID, note *string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ? AND manual_payout_at IS NULL", orderID, string(enums.OrderStatusCompletedPendingPayout)).
		Updates(map[string]any{
			"manual_payout_at":   at,
			"manual_payout_by":   adminID,
			"manual_payout_note": note,
			"payout_pending":     false,
			"version":            gorm.Expr("version + 1"),
			"updated_at":         at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) ListByParticipant(ctx context.Context, q ListQuery) ([]models.Order, *pagination.Cursor, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{})
	switch q.Role {
	case ParticipantSeller:
		query = query.Where("seller_id = ?", q.UserID)
	default:
		query = query.Where("buyer_id = ?", q.UserID)
	}
	if q.Status != nil {
		query = query.Where("status = ?", string(*q.Status))
	}
	if q.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", q.Cursor.CreatedAt, q.Cursor.ID)
	}

	var rows []models.Order
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(q.Limit)).Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	page, next := pagination.Trim(rows, q.Limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	return page, next, nil
}

func (r *repository) ListStalePendingHolds(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_mode = ? AND hold_ref IS NOT NULL AND updated_at < ?",
			string(enums.OrderStatusPendingPayment), string(enums.PaymentModeOnline), updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListDeliveredBefore(ctx context.Context, deliveredBefore time.Time, limit int) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND delivered_at < ?", string(enums.OrderStatusDelivered), deliveredBefore).
		Order("delivered_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListPendingPayoutsBySeller(ctx context.Context, sellerID uuid.UUID) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("seller_id = ? AND status = ? AND payout_pending = ? AND manual_payout_at IS NULL",
			sellerID, string(enums.OrderStatusCompletedPendingPayout), true).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func statusStrings(statuses []enums.OrderStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
