package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CatalogItem is a merchant product with available/reserved stock counts.
type CatalogItem struct {
	ID           uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	MerchantID   uuid.UUID       `gorm:"column:merchant_id;type:uuid;not null;index"`
	Name         string          `gorm:"column:name;not null"`
	Price        decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null;default:0"`
	AvailableQty int             `gorm:"column:available_qty;not null;default:0"`
	ReservedQty  int             `gorm:"column:reserved_qty;not null;default:0"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *CatalogItem) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
