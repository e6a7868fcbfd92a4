package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	"github.com/angelmondragon/tradehold-backend/pkg/types"
)

// TimelineEntry is an immutable audit record attached to an order.
type TimelineEntry struct {
	ID          uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID     uuid.UUID               `gorm:"column:order_id;type:uuid;not null"`
	EventType   enums.TimelineEventType `gorm:"column:event_type;type:text;not null"`
	Description string                  `gorm:"column:description;not null"`
	ActorID     *uuid.UUID              `gorm:"column:actor_id;type:uuid"`
	Metadata    types.Metadata          `gorm:"column:metadata;type:jsonb;serializer:json"`
	CreatedAt   time.Time               `gorm:"column:created_at;autoCreateTime"`
}

func (TimelineEntry) TableName() string { return "order_timeline_entries" }
