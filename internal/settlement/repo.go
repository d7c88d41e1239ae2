package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/dispatchcore/internal/repo"
	dbpkg "github.com/angelmondragon/dispatchcore/pkg/db"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
)

// Repository persists driver earnings.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByOrder(ctx context.Context, orderID uuid.UUID) (*models.DriverEarning, error)
	FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	InsertIfAbsent(ctx context.Context, earning *models.DriverEarning) (bool, error)
	ListByDriver(ctx context.Context, driverID uuid.UUID, since *time.Time) ([]models.DriverEarning, error)
	ListUnsettledDelivered(ctx context.Context, limit int) ([]uuid.UUID, error)
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

func (r *repository) FindByOrder(ctx context.Context, orderID uuid.UUID) (*models.DriverEarning, error) {
	var earning models.DriverEarning
	ok, err := repo.FirstOrNil(r.base.DB(ctx).Where("order_id = ?", orderID), &earning)
	if err != nil || !ok {
		return nil, err
	}
	return &earning, nil
}

func (r *repository) FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	ok, err := repo.FirstOrNil(r.base.DB(ctx).Where("id = ?", orderID), &order)
	if err != nil || !ok {
		return nil, err
	}
	return &order, nil
}

func (r *repository) LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	ok, err := repo.FirstOrNil(dbpkg.ForUpdate(r.base.DB(ctx)).Where("id = ?", orderID), &order)
	if err != nil || !ok {
		return nil, err
	}
	return &order, nil
}

// InsertIfAbsent writes the earning unless one already exists for the order.
// ON CONFLICT keeps a Postgres transaction usable after the duplicate.
func (r *repository) InsertIfAbsent(ctx context.Context, earning *models.DriverEarning) (bool, error) {
	res := r.base.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(earning)
	if res.Error != nil {
		if dbpkg.IsUniqueViolation(res.Error, "ux_driver_earnings_order") {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListByDriver(ctx context.Context, driverID uuid.UUID, since *time.Time) ([]models.DriverEarning, error) {
	query := r.base.DB(ctx).Where("driver_id = ?", driverID)
	if since != nil {
		query = query.Where("COALESCE(earned_at, created_at) >= ?", since.UTC())
	}
	var earnings []models.DriverEarning
	if err := query.Order("created_at DESC").Find(&earnings).Error; err != nil {
		return nil, err
	}
	return earnings, nil
}

// ListUnsettledDelivered returns delivered orders that have no earning row.
func (r *repository) ListUnsettledDelivered(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.base.DB(ctx).
		Model(&models.Order{}).
		Select("orders.id").
		Joins("LEFT JOIN driver_earnings de ON de.order_id = orders.id").
		Where("orders.status = ? AND orders.driver_id IS NOT NULL AND de.id IS NULL", enums.OrderStatusDelivered).
		Order("orders.delivered_at ASC").
		Limit(limit).
		Pluck("orders.id", &ids).Error
	return ids, err
}
