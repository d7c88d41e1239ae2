package dispatch

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

// Repository covers the order rows the acceptance gate reads and writes.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	ActiveOrderFor(ctx context.Context, driverID uuid.UUID, excluding uuid.UUID) (*uuid.UUID, error)
	AssignDriver(ctx context.Context, orderID, driverID uuid.UUID, from, to enums.OrderStatus, at time.Time) (bool, error)
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

func (r *repository) LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	ok, err := repo.FirstOrNil(dbpkg.ForUpdate(r.base.DB(ctx)).Where("id = ?", orderID), &order)
	if err != nil || !ok {
		return nil, err
	}
	return &order, nil
}

// ActiveOrderFor returns the id of another active order held by the driver.
func (r *repository) ActiveOrderFor(ctx context.Context, driverID uuid.UUID, excluding uuid.UUID) (*uuid.UUID, error) {
	var order models.Order
	ok, err := repo.FirstOrNil(
		r.base.DB(ctx).
			Select("id").
			Where("driver_id = ? AND status IN ? AND id <> ?", driverID, enums.ActiveStatuses, excluding),
		&order,
	)
	if err != nil || !ok {
		return nil, err
	}
	return &order.ID, nil
}

// AssignDriver is guarded on the expected status and an empty driver slot so
// a lost race affects zero rows.
func (r *repository) AssignDriver(ctx context.Context, orderID, driverID uuid.UUID, from, to enums.OrderStatus, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"driver_id":  driverID,
		"updated_at": at,
	}
	switch to {
	case enums.OrderStatusAccepted:
		updates["accepted_at"] = at
	case enums.OrderStatusPickedUp:
		updates["accepted_at"] = gorm.Expr("COALESCE(accepted_at, ?)", at)
		updates["picked_up_at"] = at
	}
	res := r.base.DB(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ? AND driver_id IS NULL", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
