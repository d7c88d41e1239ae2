package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/pkg/enums"
)

// Order is the single source of truth for an order's lifecycle.
// DriverID is set exactly when Status is one of enums.ClaimedStatuses.
type Order struct {
	ID         uuid.UUID         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	MerchantID uuid.UUID         `gorm:"column:merchant_id;type:uuid;not null;index" json:"merchant_id"`
	CustomerID uuid.UUID         `gorm:"column:customer_id;type:uuid;not null;index" json:"customer_id"`
	DriverID   *uuid.UUID        `gorm:"column:driver_id;type:uuid;index" json:"driver_id"`
	Status     enums.OrderStatus `gorm:"column:status;type:text;not null;default:'pending';index" json:"status"`

	ProductTotal   decimal.Decimal `gorm:"column:product_total;type:numeric(12,2);not null;default:0" json:"product_total"`
	DeliveryFee    decimal.Decimal `gorm:"column:delivery_fee;type:numeric(12,2);not null;default:0" json:"delivery_fee"`
	ServiceFee     decimal.Decimal `gorm:"column:service_fee;type:numeric(12,2);not null;default:0" json:"service_fee"`
	TaxAmount      decimal.Decimal `gorm:"column:tax_amount;type:numeric(12,2);not null;default:0" json:"tax_amount"`
	CustomerTotal  decimal.Decimal `gorm:"column:customer_total;type:numeric(12,2);not null;default:0" json:"customer_total"`
	MerchantAmount decimal.Decimal `gorm:"column:merchant_amount;type:numeric(12,2);not null;default:0" json:"merchant_amount"`

	// Optional settlement inputs recorded at placement or by the merchant.
	CalculatedDeliveryFee decimal.NullDecimal `gorm:"column:calculated_delivery_fee;type:numeric(12,2)" json:"calculated_delivery_fee"`
	DriverEarningAmount   decimal.NullDecimal `gorm:"column:driver_earning_amount;type:numeric(12,2)" json:"driver_earning_amount"`
	CommissionAmount      decimal.NullDecimal `gorm:"column:commission_amount;type:numeric(12,2)" json:"commission_amount"`
	DistanceKm            decimal.NullDecimal `gorm:"column:distance_km;type:numeric(10,3)" json:"distance_km"`

	Items []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items,omitempty"`

	AcceptedAt  *time.Time `gorm:"column:accepted_at" json:"accepted_at"`
	PickedUpAt  *time.Time `gorm:"column:picked_up_at" json:"picked_up_at"`
	DeliveredAt *time.Time `gorm:"column:delivered_at" json:"delivered_at"`
	CancelledAt *time.Time `gorm:"column:cancelled_at" json:"cancelled_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
