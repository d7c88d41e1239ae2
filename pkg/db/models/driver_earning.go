package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DriverEarning is the settlement row written once per delivered order.
type DriverEarning struct {
	ID               uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OrderID          uuid.UUID       `gorm:"column:order_id;type:uuid;not null;uniqueIndex:ux_driver_earnings_order" json:"order_id"`
	DriverID         uuid.UUID       `gorm:"column:driver_id;type:uuid;not null;index" json:"driver_id"`
	GrossAmount      decimal.Decimal `gorm:"column:gross_amount;type:numeric(12,2);not null" json:"gross_amount"`
	CommissionAmount decimal.Decimal `gorm:"column:commission_amount;type:numeric(12,2);not null" json:"commission_amount"`
	NetAmount        decimal.Decimal `gorm:"column:net_amount;type:numeric(12,2);not null" json:"net_amount"`
	NetClamped       bool            `gorm:"column:net_clamped;not null;default:false" json:"net_clamped"`
	EarnedAt         *time.Time      `gorm:"column:earned_at" json:"earned_at"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (e *DriverEarning) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// EffectiveEarnedAt falls back to CreatedAt for rows written without earned_at.
func (e DriverEarning) EffectiveEarnedAt() time.Time {
	if e.EarnedAt != nil && !e.EarnedAt.IsZero() {
		return *e.EarnedAt
	}
	return e.CreatedAt
}
