package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/pkg/enums"
)

// StockReservation is the single reservation cycle held by an order.
type StockReservation struct {
	ID         uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	OrderID    uuid.UUID               `gorm:"column:order_id;type:uuid;not null;uniqueIndex:ux_stock_reservations_order"`
	Status     enums.ReservationStatus `gorm:"column:status;type:text;not null;default:'reserved'"`
	Lines      []StockReservationLine  `gorm:"foreignKey:ReservationID;constraint:OnDelete:CASCADE"`
	ReservedAt time.Time               `gorm:"column:reserved_at;autoCreateTime"`
	ReleasedAt *time.Time              `gorm:"column:released_at"`
}

func (r *StockReservation) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// StockReservationLine records the quantity held against one catalog item.
type StockReservationLine struct {
	ID            uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	ReservationID uuid.UUID `gorm:"column:reservation_id;type:uuid;not null;uniqueIndex:ux_stock_reservation_lines_item,priority:1"`
	CatalogItemID uuid.UUID `gorm:"column:catalog_item_id;type:uuid;not null;uniqueIndex:ux_stock_reservation_lines_item,priority:2"`
	Quantity      int       `gorm:"column:quantity;not null"`
}

func (l *StockReservationLine) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
