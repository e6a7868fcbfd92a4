package timeline

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
)

// Repository persists timeline entries. There is no update or delete path.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func (r *Repository) Insert(ctx context.Context, entry *models.TimelineEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListByOrder returns entries oldest first.
func (r *Repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.TimelineEntry, error) {
	var entries []models.TimelineEntry
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// CountByType is used by reconciliation to keep automated notes from repeating.
func (r *Repository) CountByType(ctx context.Context, orderID uuid.UUID, eventType string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.TimelineEntry{}).
		Where("order_id = ? AND event_type = ?", orderID, eventType).
		Count(&count).Error
	return count, err
}
