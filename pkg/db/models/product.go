package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is the slice of a marketplace listing that checkout depends on.
// Listings are owned by the catalog service; escrow only reserves and releases them.
type Product struct {
	ID               uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	SellerID         uuid.UUID  `gorm:"column:seller_id;type:uuid;not null"`
	Title            string     `gorm:"column:title;not null"`
	PriceCents       int64      `gorm:"column:price_cents;not null"`
	Currency         string     `gorm:"column:currency;type:text;not null"`
	SupportsMeetup   bool       `gorm:"column:supports_meetup;not null;default:true"`
	SupportsShipping bool       `gorm:"column:supports_shipping;not null;default:false"`
	SoldOrderID      *uuid.UUID `gorm:"column:sold_order_id;type:uuid"`
	SoldAt           *time.Time `gorm:"column:sold_at"`
}

func (Product) TableName() string { return "products" }
