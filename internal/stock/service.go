package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
	"github.com/angelmondragon/dispatchcore/pkg/metrics"
)

// Shortage describes one catalog item that cannot cover the order.
type Shortage struct {
	CatalogItemID uuid.UUID `json:"catalog_item_id"`
	Name          string    `json:"name"`
	Requested     int       `json:"requested"`
	Available     int       `json:"available"`
}

// ReserveResult reports the outcome of Reserve. Shortages is empty on success.
type ReserveResult struct {
	Reservation     *models.StockReservation
	AlreadyReserved bool
	Shortages       []Shortage
}

func (r ReserveResult) OK() bool {
	return len(r.Shortages) == 0
}

// Ledger is the transactional surface other packages depend on.
type Ledger interface {
	Reserve(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (ReserveResult, error)
	Release(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.StockReservation, bool, error)
}

type Service struct {
	repo    Repository
	logg    *logger.Logger
	metrics *metrics.CoreMetrics
	now     func() time.Time
}

func NewService(repo Repository, logg *logger.Logger, m *metrics.CoreMetrics) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("stock repository required")
	}
	return &Service{repo: repo, logg: logg, metrics: m, now: time.Now}, nil
}

// Reserve holds stock for every item of the order inside tx. It is a no-op
// when the order already has a reservation. Either every item is decremented
// or none is, and all short items are reported together.
func (s *Service) Reserve(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (ReserveResult, error) {
	if tx == nil {
		return ReserveResult{}, errors.New("transaction required")
	}
	repo := s.repo.WithTx(tx)

	existing, err := repo.FindReservation(ctx, orderID)
	if err != nil {
		return ReserveResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load reservation")
	}
	if existing != nil {
		s.metrics.IncReservation("already_reserved")
		return ReserveResult{Reservation: existing, AlreadyReserved: true}, nil
	}

	demand, err := repo.SumOrderItems(ctx, orderID)
	if err != nil {
		return ReserveResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order items")
	}

	shortages := make([]Shortage, 0)
	for _, d := range demand {
		item, err := repo.LockCatalogItem(ctx, d.CatalogItemID)
		if err != nil {
			return ReserveResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock catalog item")
		}
		if item == nil {
			shortages = append(shortages, Shortage{CatalogItemID: d.CatalogItemID, Name: d.Name, Requested: d.Quantity})
			continue
		}
		if item.AvailableQty < d.Quantity {
			shortages = append(shortages, Shortage{
				CatalogItemID: d.CatalogItemID,
				Name:          item.Name,
				Requested:     d.Quantity,
				Available:     item.AvailableQty,
			})
		}
	}
	if len(shortages) > 0 {
		s.metrics.IncReservation("insufficient_stock")
		return ReserveResult{Shortages: shortages}, nil
	}

	applied := make([]ItemDemand, 0, len(demand))
	for _, d := range demand {
		ok, err := repo.Decrement(ctx, d.CatalogItemID, d.Quantity)
		if err == nil && !ok {
			// guarded update lost a race the row lock did not cover
			if restoreErr := s.restore(ctx, repo, applied); restoreErr != nil {
				return ReserveResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, restoreErr, "restore partial reservation")
			}
			s.metrics.IncReservation("insufficient_stock")
			return ReserveResult{Shortages: []Shortage{{CatalogItemID: d.CatalogItemID, Name: d.Name, Requested: d.Quantity}}}, nil
		}
		if err != nil {
			return ReserveResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decrement stock")
		}
		applied = append(applied, d)
	}

	reservation := &models.StockReservation{
		OrderID:    orderID,
		Status:     enums.ReservationStatusReserved,
		ReservedAt: s.now().UTC(),
	}
	for _, d := range demand {
		reservation.Lines = append(reservation.Lines, models.StockReservationLine{
			CatalogItemID: d.CatalogItemID,
			Quantity:      d.Quantity,
		})
	}
	if err := repo.CreateReservation(ctx, reservation); err != nil {
		return ReserveResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create reservation")
	}

	s.metrics.IncReservation("reserved")
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":       orderID.String(),
			"reservation_id": reservation.ID.String(),
			"line_count":     len(reservation.Lines),
		})
		s.logg.Info(logCtx, "stock reserved")
	}
	return ReserveResult{Reservation: reservation}, nil
}

// Release returns the reserved quantities to stock and marks the reservation
// released. It reports false when there was nothing to release.
func (s *Service) Release(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.StockReservation, bool, error) {
	if tx == nil {
		return nil, false, errors.New("transaction required")
	}
	repo := s.repo.WithTx(tx)

	reservation, err := repo.LockReservation(ctx, orderID)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock reservation")
	}
	if reservation == nil || reservation.Status != enums.ReservationStatusReserved {
		return reservation, false, nil
	}

	for _, line := range reservation.Lines {
		if err := repo.Restore(ctx, line.CatalogItemID, line.Quantity); err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "restore stock")
		}
	}
	releasedAt := s.now().UTC()
	if err := repo.MarkReleased(ctx, reservation.ID, releasedAt); err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark reservation released")
	}
	reservation.Status = enums.ReservationStatusReleased
	reservation.ReleasedAt = &releasedAt

	s.metrics.IncReservation("released")
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":       orderID.String(),
			"reservation_id": reservation.ID.String(),
		})
		s.logg.Info(logCtx, "stock released")
	}
	return reservation, true, nil
}

func (s *Service) restore(ctx context.Context, repo Repository, applied []ItemDemand) error {
	for _, d := range applied {
		if err := repo.Restore(ctx, d.CatalogItemID, d.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// InsufficientStockError builds the typed error carrying every short item.
func InsufficientStockError(shortages []Shortage) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock for one or more items").
		WithDetails(map[string]any{"items": shortages})
}
