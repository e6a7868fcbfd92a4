package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
)

type catalog struct {
	db *gorm.DB
}

// NewCatalog reads listings and reserves them for a single order.
func NewCatalog(db *gorm.DB) Catalog {
	return &catalog{db: db}
}

func (c *catalog) WithTx(tx *gorm.DB) Catalog {
	if tx == nil {
		return c
	}
	return &catalog{db: tx}
}

func (c *catalog) FindProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := c.db.WithContext(ctx).Where("id = ?", productID).First(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// MarkSold reserves the product for orderID. It reports false when another
// order got there first.
func (c *catalog) MarkSold(ctx context.Context, productID, orderID uuid.UUID, at time.Time) (bool, error) {
	result := c.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND sold_at IS NULL", productID).
		Updates(map[string]any{
			"sold_order_id": orderID,
			"sold_at":       at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Release puts the product back on sale if orderID still holds it.
func (c *catalog) Release(ctx context.Context, productID, orderID uuid.UUID) error {
	return c.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND sold_order_id = ?", productID, orderID).
		Updates(map[string]any{
			"sold_order_id": nil,
			"sold_at":       nil,
		}).Error
}
