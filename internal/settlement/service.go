package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
	"github.com/angelmondragon/dispatchcore/pkg/metrics"
	"github.com/angelmondragon/dispatchcore/pkg/outbox"
	"github.com/angelmondragon/dispatchcore/pkg/outbox/payloads"
)

// Breakdown is the computed payout for one order.
type Breakdown struct {
	DistanceKm decimal.Decimal
	Gross      decimal.Decimal
	Commission decimal.Decimal
	Net        decimal.Decimal
	NetClamped bool
}

// Calculate runs the pure settlement rules for order.
func Calculate(order *models.Order, distanceKm decimal.Decimal, policy Policy) Breakdown {
	gross := DeriveGross(order, distanceKm, policy)
	commission := ComputeCommission(order, gross, policy)
	net, clamped := ComputeNet(gross, commission)
	return Breakdown{
		DistanceKm: distanceKm,
		Gross:      gross,
		Commission: commission,
		Net:        net,
		NetClamped: clamped,
	}
}

// Settler writes the earning for a delivered order inside the caller's tx.
type Settler interface {
	Settle(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, policy Policy) (*models.DriverEarning, bool, error)
}

type Service struct {
	db        *gorm.DB
	repo      Repository
	locations LocationProvider
	outbox    outbox.Emitter
	logg      *logger.Logger
	metrics   *metrics.CoreMetrics
	now       func() time.Time
}

type ServiceParams struct {
	DB        *gorm.DB
	Repo      Repository
	Locations LocationProvider
	Outbox    outbox.Emitter
	Logger    *logger.Logger
	Metrics   *metrics.CoreMetrics
}

func NewService(p ServiceParams) (*Service, error) {
	if p.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if p.Repo == nil {
		p.Repo = NewRepository(p.DB)
	}
	return &Service{
		db:        p.DB,
		repo:      p.Repo,
		locations: p.Locations,
		outbox:    p.Outbox,
		logg:      p.Logger,
		metrics:   p.Metrics,
		now:       time.Now,
	}, nil
}

// Settle creates the earning for orderID exactly once. A repeated call
// returns the stored row and created=false.
func (s *Service) Settle(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, policy Policy) (*models.DriverEarning, bool, error) {
	if tx == nil {
		return nil, false, errors.New("transaction required")
	}
	repo := s.repo.WithTx(tx)

	existing, err := repo.FindByOrder(ctx, orderID)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load earning")
	}
	if existing != nil {
		s.metrics.IncSettlement("already_settled")
		return existing, false, nil
	}

	order, err := repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order == nil {
		return nil, false, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if order.Status != enums.OrderStatusDelivered {
		return nil, false, pkgerrors.New(pkgerrors.CodeStateConflict, "order is not delivered").
			WithDetails(map[string]any{"status": order.Status})
	}
	if order.DriverID == nil {
		return nil, false, pkgerrors.New(pkgerrors.CodeStateConflict, "delivered order has no driver")
	}

	breakdown := Calculate(order, s.distanceKm(ctx, order), policy)
	earnedAt := s.now().UTC()
	if order.DeliveredAt != nil {
		earnedAt = order.DeliveredAt.UTC()
	}
	earning := &models.DriverEarning{
		OrderID:          order.ID,
		DriverID:         *order.DriverID,
		GrossAmount:      breakdown.Gross,
		CommissionAmount: breakdown.Commission,
		NetAmount:        breakdown.Net,
		NetClamped:       breakdown.NetClamped,
		EarnedAt:         &earnedAt,
	}

	created, err := repo.InsertIfAbsent(ctx, earning)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert earning")
	}
	if !created {
		stored, err := repo.FindByOrder(ctx, orderID)
		if err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload earning")
		}
		s.metrics.IncSettlement("already_settled")
		return stored, false, nil
	}

	if s.outbox != nil {
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventEarningSettled,
			AggregateType: enums.AggregateDriverEarning,
			AggregateID:   earning.ID,
			Data: payloads.EarningSettledEvent{
				EarningID:        earning.ID,
				OrderID:          earning.OrderID,
				DriverID:         earning.DriverID,
				GrossAmount:      earning.GrossAmount,
				CommissionAmount: earning.CommissionAmount,
				NetAmount:        earning.NetAmount,
				NetClamped:       earning.NetClamped,
				EarnedAt:         earnedAt,
			},
		}); err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit earning settled")
		}
	}

	s.metrics.IncSettlement("settled")
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":       order.ID.String(),
			"driver_id":      earning.DriverID.String(),
			"gross":          earning.GrossAmount.String(),
			"commission":     earning.CommissionAmount.String(),
			"net":            earning.NetAmount.String(),
			"policy_version": policy.Version,
		})
		if breakdown.NetClamped {
			s.metrics.IncNetClamped()
			s.logg.Warn(logCtx, "commission consumed gross; net clamped to gross")
		} else {
			s.logg.Info(logCtx, "driver earning settled")
		}
	} else if breakdown.NetClamped {
		s.metrics.IncNetClamped()
	}
	return earning, true, nil
}

// SettleOrder locks the order row and settles it in its own transaction.
func (s *Service) SettleOrder(ctx context.Context, orderID uuid.UUID, policy Policy) (*models.DriverEarning, bool, error) {
	var (
		earning *models.DriverEarning
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.WithTx(tx).LockOrder(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
		}
		if order == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		earning, created, err = s.Settle(ctx, tx, orderID, policy)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return earning, created, nil
}

// ListDriverEarnings returns the driver's earnings, newest first. A nil since
// returns the full history.
func (s *Service) ListDriverEarnings(ctx context.Context, driverID uuid.UUID, since *time.Time) ([]models.DriverEarning, error) {
	earnings, err := s.repo.ListByDriver(ctx, driverID, since)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list earnings")
	}
	return earnings, nil
}

// DriverSummary aggregates the driver's whole history as of now.
func (s *Service) DriverSummary(ctx context.Context, driverID uuid.UUID, now time.Time, loc *time.Location) (Summary, error) {
	earnings, err := s.ListDriverEarnings(ctx, driverID, nil)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(earnings, now, loc), nil
}

// UnsettledDelivered lists delivered orders still missing an earning.
func (s *Service) UnsettledDelivered(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.repo.ListUnsettledDelivered(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list unsettled orders")
	}
	return ids, nil
}

// distanceKm prefers the distance stored on the order. Lookup failures
// contribute zero to the distance fee.
func (s *Service) distanceKm(ctx context.Context, order *models.Order) decimal.Decimal {
	if order.DistanceKm.Valid && order.DistanceKm.Decimal.IsPositive() {
		return order.DistanceKm.Decimal
	}
	if s.locations == nil || order.DriverID == nil {
		return decimal.Zero
	}
	driverAt, ok, err := s.locations.DriverLocation(ctx, *order.DriverID)
	if err != nil || !ok {
		s.warnLocation(ctx, order, "driver", err)
		return decimal.Zero
	}
	merchantAt, ok, err := s.locations.MerchantLocation(ctx, order.MerchantID)
	if err != nil || !ok {
		s.warnLocation(ctx, order, "merchant", err)
		return decimal.Zero
	}
	return decimal.NewFromFloat(driverAt.DistanceKm(merchantAt)).Round(3)
}

func (s *Service) warnLocation(ctx context.Context, order *models.Order, which string, err error) {
	if s.logg == nil {
		return
	}
	fields := map[string]any{"order_id": order.ID.String(), "location": which}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logg.Warn(s.logg.WithFields(ctx, fields), "distance fee skipped, location unavailable")
}
