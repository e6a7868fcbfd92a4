package payouts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
)

// Repository reads payout profiles. Profiles are written by the account service.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindByUserID returns nil when the seller never registered a payout destination.
func (r *Repository) FindByUserID(ctx context.Context, userID uuid.UUID) (*models.PayoutProfile, error) {
	var profile models.PayoutProfile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// FindByExternalAccount resolves a connected-account id from a processor event.
func (r *Repository) FindByExternalAccount(ctx context.Context, accountID string) (*models.PayoutProfile, error) {
	var profile models.PayoutProfile
	err := r.db.WithContext(ctx).Where("external_account_id = ?", accountID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}
