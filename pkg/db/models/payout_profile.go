package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/pkg/types"
)

// PayoutProfile is the seller-owned payout destination. The escrow engine only reads it.
type PayoutProfile struct {
	UserID            uuid.UUID                `gorm:"column:user_id;type:uuid;primaryKey"`
	ExternalAccountID *string                  `gorm:"column:external_account_id"`
	Verified          bool                     `gorm:"column:verified;not null;default:false"`
	ManualBankDetails *types.ManualBankDetails `gorm:"column:manual_bank_details;type:jsonb;serializer:json"`
	UpdatedAt         time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (PayoutProfile) TableName() string { return "payout_profiles" }
