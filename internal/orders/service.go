package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/internal/dispatch"
	"github.com/angelmondragon/dispatchcore/internal/locks"
	"github.com/angelmondragon/dispatchcore/internal/settlement"
	"github.com/angelmondragon/dispatchcore/internal/stock"
	dbpkg "github.com/angelmondragon/dispatchcore/pkg/db"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
	"github.com/angelmondragon/dispatchcore/pkg/metrics"
	"github.com/angelmondragon/dispatchcore/pkg/outbox"
	"github.com/angelmondragon/dispatchcore/pkg/outbox/payloads"
	"github.com/angelmondragon/dispatchcore/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the order state machine plus order placement.
type Service interface {
	PlaceOrder(ctx context.Context, input PlaceOrderInput) (*models.Order, error)
	Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	Transition(ctx context.Context, input TransitionInput) (*models.Order, error)
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

// TransitionInput asks to move an order from Expected to Target. DriverID
// names the driver when the edge assigns one; a driver actor defaults to
// itself. Policy is the settlement snapshot used if Target is delivered.
type TransitionInput struct {
	OrderID  uuid.UUID
	Actor    types.Actor
	Expected enums.OrderStatus
	Target   enums.OrderStatus
	DriverID *uuid.UUID
	Policy   *settlement.Policy
}

type service struct {
	repo        Repository
	tx          txRunner
	locks       *locks.Keyed
	gate        dispatch.Gate
	stock       stock.Ledger
	settler     settlement.Settler
	policies    settlement.PolicySource
	outbox      outbox.Emitter
	logg        *logger.Logger
	metrics     *metrics.CoreMetrics
	lockTimeout time.Duration
	now         func() time.Time
}

type ServiceParams struct {
	Repo        Repository
	Tx          txRunner
	Locks       *locks.Keyed
	Gate        dispatch.Gate
	Stock       stock.Ledger
	Settler     settlement.Settler
	Policies    settlement.PolicySource
	Outbox      outbox.Emitter
	Logger      *logger.Logger
	Metrics     *metrics.CoreMetrics
	LockTimeout time.Duration
}

// NewService builds the order state machine with the required dependencies.
func NewService(p ServiceParams) (Service, error) {
	if p.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if p.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if p.Locks == nil {
		return nil, fmt.Errorf("keyed locks required")
	}
	if p.Gate == nil {
		return nil, fmt.Errorf("acceptance gate required")
	}
	if p.Stock == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if p.Settler == nil {
		return nil, fmt.Errorf("settler required")
	}
	if p.Policies == nil {
		return nil, fmt.Errorf("policy source required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if p.LockTimeout <= 0 {
		p.LockTimeout = 5 * time.Second
	}
	return &service{
		repo:        p.Repo,
		tx:          p.Tx,
		locks:       p.Locks,
		gate:        p.Gate,
		stock:       p.Stock,
		settler:     p.Settler,
		policies:    p.Policies,
		outbox:      p.Outbox,
		logg:        p.Logger,
		metrics:     p.Metrics,
		lockTimeout: p.LockTimeout,
		now:         time.Now,
	}, nil
}

func (s *service) Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func (s *service) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.repo.ListPendingBefore(ctx, cutoff, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending orders")
	}
	return ids, nil
}

// Transition moves an order along the lifecycle. The current status is read
// under lock and must equal input.Expected; re-applying a transition that
// already happened succeeds without side effects. Status, stock and earnings
// change together or not at all.
func (s *service) Transition(ctx context.Context, input TransitionInput) (*models.Order, error) {
	if err := validateTransitionInput(input); err != nil {
		return nil, err
	}
	if !Allowed(input.Actor.Type, input.Expected, input.Target) {
		s.metrics.IncTransition(string(input.Expected), string(input.Target), "invalid")
		return nil, invalidTransition(input.Actor.Type, input.Expected, input.Target)
	}

	if isClaimEdge(input.Expected, input.Target) {
		routed, err := s.needsGate(ctx, input)
		if err != nil {
			return nil, err
		}
		if routed {
			return s.claim(ctx, input)
		}
	}

	release, err := s.locks.Acquire(ctx, locks.OrderKey(input.OrderID.String()), s.lockTimeout)
	if err != nil {
		if errors.Is(err, locks.ErrTimeout) {
			s.metrics.IncTransition(string(input.Expected), string(input.Target), "busy")
			return nil, pkgerrors.New(pkgerrors.CodeBusy, "order is being updated, retry shortly")
		}
		return nil, err
	}
	defer release()

	policy, err := s.policyFor(ctx, input)
	if err != nil {
		return nil, err
	}

	var result *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := dbpkg.SetLockTimeout(tx, s.lockTimeout); err != nil {
			return err
		}
		var err error
		result, err = s.transitionTx(ctx, tx, input, policy)
		return err
	})
	if err != nil {
		if dbpkg.IsLockTimeout(err) {
			s.metrics.IncTransition(string(input.Expected), string(input.Target), "busy")
			return nil, pkgerrors.Wrap(pkgerrors.CodeBusy, err, "order row locked")
		}
		s.metrics.IncTransition(string(input.Expected), string(input.Target), outcomeFor(err))
		return nil, err
	}
	return result, nil
}

func (s *service) transitionTx(ctx context.Context, tx *gorm.DB, input TransitionInput, policy settlement.Policy) (*models.Order, error) {
	repo := s.repo.WithTx(tx)

	order, err := repo.LockOrder(ctx, input.OrderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if !canModify(input.Actor, order) {
		return nil, invalidTransition(input.Actor.Type, input.Expected, input.Target).
			WithDetails(map[string]any{"reason": "actor has no rights on this order"})
	}

	if order.Status == input.Target && input.Expected != input.Target {
		s.metrics.IncTransition(string(input.Expected), string(input.Target), "noop")
		return order, nil
	}
	if order.Status != input.Expected {
		return nil, staleState(input.Expected, order.Status)
	}

	from := order.Status
	at := s.now().UTC()

	if input.Target.IsWorking() {
		reserved, err := s.stock.Reserve(ctx, tx, order.ID)
		if err != nil {
			return nil, err
		}
		if !reserved.OK() {
			return nil, stock.InsufficientStockError(reserved.Shortages)
		}
	}

	var released *models.StockReservation
	if input.Target == enums.OrderStatusCancelled {
		reservation, ok, err := s.stock.Release(ctx, tx, order.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			released = reservation
		}
	}

	updates := statusUpdates(input.Target, at)
	applied, err := repo.UpdateStatus(ctx, order.ID, from, updates)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !applied {
		return nil, staleState(input.Expected, order.Status)
	}
	applyUpdates(order, input.Target, at)

	if input.Target == enums.OrderStatusDelivered {
		if _, _, err := s.settler.Settle(ctx, tx, order.ID, policy); err != nil {
			return nil, err
		}
	}

	if err := s.emitTransition(ctx, tx, order, from, input.Actor, at, released); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit transition events")
	}

	s.metrics.IncTransition(string(from), string(input.Target), "ok")
	if s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, order.ID.String())
		logCtx = s.logg.WithActor(logCtx, string(input.Actor.Type), input.Actor.ID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{"from": string(from), "to": string(input.Target)})
		s.logg.Info(logCtx, "order transitioned")
	}
	return order, nil
}

// needsGate decides whether a claim edge assigns a driver. A ready order
// that already has its driver is picked up through the regular path.
func (s *service) needsGate(ctx context.Context, input TransitionInput) (bool, error) {
	if input.Expected == enums.OrderStatusPending {
		return true, nil
	}
	order, err := s.repo.FindOrder(ctx, input.OrderID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order == nil {
		return false, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order.DriverID == nil && order.Status == enums.OrderStatusReady, nil
}

// claim runs a driver-assigning edge through the acceptance gate and maps its
// outcome back onto transition semantics.
func (s *service) claim(ctx context.Context, input TransitionInput) (*models.Order, error) {
	driverID, err := claimDriver(input)
	if err != nil {
		return nil, err
	}
	actor := input.Actor
	result, err := s.gate.TryClaim(ctx, dispatch.ClaimInput{
		OrderID:  input.OrderID,
		DriverID: driverID,
		Actor:    &actor,
	})
	if err != nil {
		return nil, err
	}
	if result.Accepted {
		if result.Order != nil {
			return result.Order, nil
		}
		return s.Get(ctx, input.OrderID)
	}

	if result.Outcome == enums.ClaimOutcomeOrderUnavailable {
		current, err := s.Get(ctx, input.OrderID)
		if err != nil {
			return nil, err
		}
		if current.Status == input.Target && current.DriverID != nil && *current.DriverID == driverID {
			return current, nil
		}
		if current.Status != input.Expected {
			return nil, staleState(input.Expected, current.Status)
		}
	}
	return nil, dispatch.ResultError(result)
}

func claimDriver(input TransitionInput) (uuid.UUID, error) {
	if input.DriverID != nil && *input.DriverID != uuid.Nil {
		if input.Actor.Type == enums.ActorDriver && *input.DriverID != input.Actor.ID {
			return uuid.Nil, pkgerrors.New(pkgerrors.CodeForbidden, "drivers may only claim for themselves")
		}
		return *input.DriverID, nil
	}
	if input.Actor.Type == enums.ActorDriver {
		return input.Actor.ID, nil
	}
	return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "driver_id is required to accept an order").
		WithDetails(map[string]any{"field": "driver_id"})
}

func (s *service) policyFor(ctx context.Context, input TransitionInput) (settlement.Policy, error) {
	if input.Policy != nil {
		return *input.Policy, nil
	}
	if input.Target != enums.OrderStatusDelivered {
		return settlement.Policy{}, nil
	}
	policy, err := s.policies.Current(ctx)
	if err != nil {
		return settlement.Policy{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load settlement policy")
	}
	return policy, nil
}

func (s *service) emitTransition(ctx context.Context, tx *gorm.DB, order *models.Order, from enums.OrderStatus, actor types.Actor, at time.Time, released *models.StockReservation) error {
	ref := &outbox.ActorRef{Type: actor.Type, ID: actor.ID}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         ref,
		OccurredAt:    at,
		Data: payloads.OrderStatusChangedEvent{
			OrderID:    order.ID,
			MerchantID: order.MerchantID,
			DriverID:   order.DriverID,
			From:       from,
			To:         order.Status,
			ActorType:  actor.Type,
			ChangedAt:  at,
		},
	}); err != nil {
		return err
	}
	if released == nil {
		return nil
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventReservationReleased,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         ref,
		OccurredAt:    at,
		Data: payloads.ReservationReleasedEvent{
			OrderID:       order.ID,
			ReservationID: released.ID,
			LineCount:     len(released.Lines),
			ReleasedAt:    at,
		},
	})
}

// canModify checks the actor's relationship with this particular order.
func canModify(actor types.Actor, order *models.Order) bool {
	switch actor.Type {
	case enums.ActorSystem:
		return true
	case enums.ActorMerchant:
		return actor.ID == order.MerchantID
	case enums.ActorCustomer:
		return actor.ID == order.CustomerID
	case enums.ActorDriver:
		return order.DriverID != nil && *order.DriverID == actor.ID
	default:
		return false
	}
}

func statusUpdates(target enums.OrderStatus, at time.Time) map[string]any {
	updates := map[string]any{
		"status":     target,
		"updated_at": at,
	}
	switch target {
	case enums.OrderStatusPickedUp:
		updates["picked_up_at"] = at
	case enums.OrderStatusDelivered:
		updates["delivered_at"] = at
	case enums.OrderStatusCancelled:
		updates["cancelled_at"] = at
		updates["driver_id"] = nil
	}
	return updates
}

func applyUpdates(order *models.Order, target enums.OrderStatus, at time.Time) {
	order.Status = target
	order.UpdatedAt = at
	switch target {
	case enums.OrderStatusPickedUp:
		order.PickedUpAt = &at
	case enums.OrderStatusDelivered:
		order.DeliveredAt = &at
	case enums.OrderStatusCancelled:
		order.CancelledAt = &at
		order.DriverID = nil
	}
}

func validateTransitionInput(input TransitionInput) error {
	if input.OrderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if !input.Actor.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "actor identity missing")
	}
	if !input.Actor.IsSystem() && input.Actor.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "actor identity missing")
	}
	if !input.Expected.IsValid() || !input.Target.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "expected and target must be valid order statuses")
	}
	return nil
}

func invalidTransition(actor enums.ActorType, from, to enums.OrderStatus) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeInvalidTransition,
		fmt.Sprintf("%s cannot move an order from %s to %s", actor, from, to)).
		WithDetails(map[string]any{"actor": actor, "from": from, "to": to})
}

func staleState(expected, current enums.OrderStatus) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeStaleState, "order status changed").
		WithDetails(map[string]any{"expected": expected, "current": current})
}

func outcomeFor(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return string(typed.Code())
	}
	return "error"
}

// PlaceOrderInput creates a pending order. Prices come from the catalog.
type PlaceOrderInput struct {
	MerchantID            uuid.UUID
	CustomerID            uuid.UUID
	Items                 []PlaceOrderItem
	DeliveryFee           decimal.Decimal
	ServiceFee            decimal.Decimal
	TaxAmount             decimal.Decimal
	CalculatedDeliveryFee decimal.NullDecimal
	DriverEarningAmount   decimal.NullDecimal
	CommissionAmount      decimal.NullDecimal
	DistanceKm            decimal.NullDecimal
}

type PlaceOrderItem struct {
	CatalogItemID uuid.UUID
	Quantity      int
}

// PlaceOrder persists the order with its items and advertises it to drivers.
// Stock is not touched until the order leaves pending.
func (s *service) PlaceOrder(ctx context.Context, input PlaceOrderInput) (*models.Order, error) {
	if err := validatePlaceOrder(input); err != nil {
		return nil, err
	}

	var order *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		ids := make([]uuid.UUID, 0, len(input.Items))
		for _, item := range input.Items {
			ids = append(ids, item.CatalogItemID)
		}
		catalog, err := repo.FindCatalogItems(ctx, input.MerchantID, ids)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load catalog items")
		}

		productTotal := decimal.Zero
		items := make([]models.OrderItem, 0, len(input.Items))
		for _, line := range input.Items {
			entry, ok := catalog[line.CatalogItemID]
			if !ok {
				return pkgerrors.New(pkgerrors.CodeValidation, "catalog item not sold by merchant").
					WithDetails(map[string]any{"catalog_item_id": line.CatalogItemID})
			}
			item := models.OrderItem{
				CatalogItemID: entry.ID,
				Name:          entry.Name,
				Quantity:      line.Quantity,
				UnitPrice:     entry.Price,
			}
			productTotal = productTotal.Add(item.LineTotal())
			items = append(items, item)
		}

		order = &models.Order{
			MerchantID:            input.MerchantID,
			CustomerID:            input.CustomerID,
			Status:                enums.OrderStatusPending,
			ProductTotal:          productTotal,
			DeliveryFee:           input.DeliveryFee,
			ServiceFee:            input.ServiceFee,
			TaxAmount:             input.TaxAmount,
			CustomerTotal:         productTotal.Add(input.DeliveryFee).Add(input.ServiceFee).Add(input.TaxAmount),
			MerchantAmount:        productTotal,
			CalculatedDeliveryFee: input.CalculatedDeliveryFee,
			DriverEarningAmount:   input.DriverEarningAmount,
			CommissionAmount:      input.CommissionAmount,
			DistanceKm:            input.DistanceKm,
			Items:                 items,
		}
		if err := repo.CreateOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}

		actor := &outbox.ActorRef{Type: enums.ActorCustomer, ID: input.CustomerID}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderPlaced,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actor,
			Data: payloads.OrderPlacedEvent{
				OrderID:       order.ID,
				MerchantID:    order.MerchantID,
				CustomerID:    order.CustomerID,
				CustomerTotal: order.CustomerTotal,
				ItemCount:     len(order.Items),
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit order placed")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderClaimable,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actor,
			Data: payloads.OrderClaimableEvent{
				OrderID:    order.ID,
				MerchantID: order.MerchantID,
				Status:     order.Status,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, order.ID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"merchant_id":    order.MerchantID.String(),
			"customer_total": order.CustomerTotal.String(),
		})
		s.logg.Info(logCtx, "order placed")
	}
	return order, nil
}

func validatePlaceOrder(input PlaceOrderInput) error {
	if input.MerchantID == uuid.Nil || input.CustomerID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "merchant_id and customer_id are required")
	}
	if len(input.Items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "order must contain at least one item")
	}
	for i, item := range input.Items {
		if item.CatalogItemID == uuid.Nil || item.Quantity <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "items need a catalog item and a positive quantity").
				WithDetails(map[string]any{"index": i})
		}
	}
	amounts := map[string]decimal.Decimal{
		"delivery_fee": input.DeliveryFee,
		"service_fee":  input.ServiceFee,
		"tax_amount":   input.TaxAmount,
	}
	for field, value := range amounts {
		if value.IsNegative() {
			return pkgerrors.New(pkgerrors.CodeValidation, field+" must be non-negative").
				WithDetails(map[string]any{"field": field})
		}
	}
	optional := map[string]decimal.NullDecimal{
		"calculated_delivery_fee": input.CalculatedDeliveryFee,
		"driver_earning_amount":   input.DriverEarningAmount,
		"commission_amount":       input.CommissionAmount,
		"distance_km":             input.DistanceKm,
	}
	for field, value := range optional {
		if value.Valid && value.Decimal.IsNegative() {
			return pkgerrors.New(pkgerrors.CodeValidation, field+" must be non-negative").
				WithDetails(map[string]any{"field": field})
		}
	}
	return nil
}
