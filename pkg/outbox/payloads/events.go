package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/dispatchcore/pkg/enums"
)

// OrderPlacedEvent is emitted once the order and its items are persisted.
type OrderPlacedEvent struct {
	OrderID       uuid.UUID       `json:"order_id"`
	MerchantID    uuid.UUID       `json:"merchant_id"`
	CustomerID    uuid.UUID       `json:"customer_id"`
	CustomerTotal decimal.Decimal `json:"customer_total"`
	ItemCount     int             `json:"item_count"`
}

// OrderStatusChangedEvent records a committed transition.
type OrderStatusChangedEvent struct {
	OrderID    uuid.UUID         `json:"order_id"`
	MerchantID uuid.UUID         `json:"merchant_id"`
	DriverID   *uuid.UUID        `json:"driver_id,omitempty"`
	From       enums.OrderStatus `json:"from"`
	To         enums.OrderStatus `json:"to"`
	ActorType  enums.ActorType   `json:"actor_type"`
	ChangedAt  time.Time         `json:"changed_at"`
}

// OrderClaimableEvent asks the driver fan-out to advertise an order.
type OrderClaimableEvent struct {
	OrderID    uuid.UUID         `json:"order_id"`
	MerchantID uuid.UUID         `json:"merchant_id"`
	Status     enums.OrderStatus `json:"status"`
}

// OrderClaimedEvent is emitted when the acceptance gate assigns a driver.
type OrderClaimedEvent struct {
	OrderID   uuid.UUID         `json:"order_id"`
	DriverID  uuid.UUID         `json:"driver_id"`
	From      enums.OrderStatus `json:"from"`
	To        enums.OrderStatus `json:"to"`
	ClaimedAt time.Time         `json:"claimed_at"`
}

// ReservationReleasedEvent is emitted when a cancellation returns stock.
type ReservationReleasedEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	LineCount     int       `json:"line_count"`
	ReleasedAt    time.Time `json:"released_at"`
}

// EarningSettledEvent carries the driver earning written for a delivered order.
type EarningSettledEvent struct {
	EarningID        uuid.UUID       `json:"earning_id"`
	OrderID          uuid.UUID       `json:"order_id"`
	DriverID         uuid.UUID       `json:"driver_id"`
	GrossAmount      decimal.Decimal `json:"gross_amount"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	NetClamped       bool            `json:"net_clamped"`
	EarnedAt         time.Time       `json:"earned_at"`
}
