package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/pkg/enums"
)

// Dispute freezes an order until an arbitrator refunds or releases it.
type Dispute struct {
	ID                uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID           uuid.UUID           `gorm:"column:order_id;type:uuid;not null"`
	Status            enums.DisputeStatus `gorm:"column:status;type:text;not null;default:'open'"`
	Reason            string              `gorm:"column:reason;not null"`
	Description       string              `gorm:"column:description;not null"`
	CreatedBy         uuid.UUID           `gorm:"column:created_by;type:uuid;not null"`
	OrderStatusAtOpen enums.OrderStatus   `gorm:"column:order_status_at_open;type:text;not null"`
	ResolvedBy        *uuid.UUID          `gorm:"column:resolved_by;type:uuid"`
	AdminNote         *string             `gorm:"column:admin_note"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt        *time.Time          `gorm:"column:resolved_at"`
}

func (Dispute) TableName() string { return "disputes" }
