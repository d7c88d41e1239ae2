package stock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/internal/repo"
	dbpkg "github.com/angelmondragon/dispatchcore/pkg/db"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
)

// Repository persists catalog stock and reservation rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindReservation(ctx context.Context, orderID uuid.UUID) (*models.StockReservation, error)
	LockReservation(ctx context.Context, orderID uuid.UUID) (*models.StockReservation, error)
	SumOrderItems(ctx context.Context, orderID uuid.UUID) ([]ItemDemand, error)
	LockCatalogItem(ctx context.Context, id uuid.UUID) (*models.CatalogItem, error)
	Decrement(ctx context.Context, id uuid.UUID, qty int) (bool, error)
	Restore(ctx context.Context, id uuid.UUID, qty int) error
	CreateReservation(ctx context.Context, reservation *models.StockReservation) error
	MarkReleased(ctx context.Context, reservationID uuid.UUID, at time.Time) error
}

// ItemDemand is the total quantity an order needs from one catalog item.
type ItemDemand struct {
	CatalogItemID uuid.UUID
	Name          string
	Quantity      int
}

type repository struct {
	base repo.Base
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{base: r.base.WithTx(tx)}
}

func (r *repository) FindReservation(ctx context.Context, orderID uuid.UUID) (*models.StockReservation, error) {
	var reservation models.StockReservation
	query := r.base.DB(ctx).
		Preload("Lines").
		Where("order_id = ?", orderID)
	ok, err := repo.FirstOrNil(query, &reservation)
	if err != nil || !ok {
		return nil, err
	}
	return &reservation, nil
}

func (r *repository) LockReservation(ctx context.Context, orderID uuid.UUID) (*models.StockReservation, error) {
	var reservation models.StockReservation
	ok, err := repo.FirstOrNil(dbpkg.ForUpdate(r.base.DB(ctx)).Where("order_id = ?", orderID), &reservation)
	if err != nil || !ok {
		return nil, err
	}
	var lines []models.StockReservationLine
	if err := r.base.DB(ctx).
		Where("reservation_id = ?", reservation.ID).
		Order("catalog_item_id ASC").
		Find(&lines).Error; err != nil {
		return nil, err
	}
	reservation.Lines = lines
	return &reservation, nil
}

// SumOrderItems groups the order lines by catalog item, ordered by id so
// callers lock items in a stable order.
func (r *repository) SumOrderItems(ctx context.Context, orderID uuid.UUID) ([]ItemDemand, error) {
	var items []models.OrderItem
	if err := r.base.DB(ctx).
		Where("order_id = ?", orderID).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return groupDemand(items), nil
}

func (r *repository) LockCatalogItem(ctx context.Context, id uuid.UUID) (*models.CatalogItem, error) {
	var item models.CatalogItem
	ok, err := repo.FirstOrNil(dbpkg.ForUpdate(r.base.DB(ctx)).Where("id = ?", id), &item)
	if err != nil || !ok {
		return nil, err
	}
	return &item, nil
}

// Decrement moves qty from available to reserved. It reports false when the
// guarded update matched no row, i.e. stock ran out underneath us.
func (r *repository) Decrement(ctx context.Context, id uuid.UUID, qty int) (bool, error) {
	res := r.base.DB(ctx).Exec(
		`UPDATE catalog_items
		 SET available_qty = available_qty - ?, reserved_qty = reserved_qty + ?, updated_at = ?
		 WHERE id = ? AND available_qty >= ?`,
		qty, qty, time.Now().UTC(), id, qty,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) Restore(ctx context.Context, id uuid.UUID, qty int) error {
	return r.base.DB(ctx).Exec(
		`UPDATE catalog_items
		 SET available_qty = available_qty + ?, reserved_qty = reserved_qty - ?, updated_at = ?
		 WHERE id = ?`,
		qty, qty, time.Now().UTC(), id,
	).Error
}

func (r *repository) CreateReservation(ctx context.Context, reservation *models.StockReservation) error {
	return r.base.DB(ctx).Create(reservation).Error
}

func (r *repository) MarkReleased(ctx context.Context, reservationID uuid.UUID, at time.Time) error {
	return r.base.DB(ctx).
		Model(&models.StockReservation{}).
		Where("id = ? AND status = ?", reservationID, enums.ReservationStatusReserved).
		Updates(map[string]any{
			"status":      enums.ReservationStatusReleased,
			"released_at": at,
		}).Error
}
