package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/internal/locks"
	"github.com/angelmondragon/dispatchcore/internal/settlement"
	"github.com/angelmondragon/dispatchcore/internal/stock"
	"github.com/angelmondragon/dispatchcore/internal/wallets"
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

// ClaimInput names the order, the driver who takes it and who is asking.
// Actor defaults to the driver.
type ClaimInput struct {
	OrderID  uuid.UUID
	DriverID uuid.UUID
	Actor    *types.Actor
}

// ClaimResult is the outcome of TryClaim. Only infrastructure and input
// problems are returned as errors; a lost race is a normal result.
type ClaimResult struct {
	Accepted bool               `json:"accepted"`
	Outcome  enums.ClaimOutcome `json:"outcome"`
	Reason   string             `json:"reason,omitempty"`
	Order    *models.Order      `json:"order,omitempty"`

	// detail is logged but never returned to the caller.
	detail string
}

// ReasonOrderUnavailable is the reason every driver who loses an order gets,
// whatever the order's state at the time.
const ReasonOrderUnavailable = "order no longer available"

// Gate decides which driver gets an order.
type Gate interface {
	TryClaim(ctx context.Context, in ClaimInput) (ClaimResult, error)
}

type Service struct {
	db          *gorm.DB
	repo        Repository
	locks       *locks.Keyed
	wallets     wallets.Reader
	stock       stock.Ledger
	outbox      outbox.Emitter
	policies    settlement.PolicySource
	logg        *logger.Logger
	metrics     *metrics.CoreMetrics
	lockTimeout time.Duration
	now         func() time.Time
}

type ServiceParams struct {
	DB          *gorm.DB
	Repo        Repository
	Locks       *locks.Keyed
	Wallets     wallets.Reader
	Stock       stock.Ledger
	Outbox      outbox.Emitter
	Policies    settlement.PolicySource
	Logger      *logger.Logger
	Metrics     *metrics.CoreMetrics
	LockTimeout time.Duration
}

func NewService(p ServiceParams) (*Service, error) {
	if p.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if p.Locks == nil {
		return nil, fmt.Errorf("keyed locks required")
	}
	if p.Wallets == nil {
		return nil, fmt.Errorf("wallet reader required")
	}
	if p.Stock == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if p.Policies == nil {
		return nil, fmt.Errorf("policy source required")
	}
	if p.Repo == nil {
		p.Repo = NewRepository(p.DB)
	}
	if p.LockTimeout <= 0 {
		p.LockTimeout = 3 * time.Second
	}
	return &Service{
		db:          p.DB,
		repo:        p.Repo,
		locks:       p.Locks,
		wallets:     p.Wallets,
		stock:       p.Stock,
		outbox:      p.Outbox,
		policies:    p.Policies,
		logg:        p.Logger,
		metrics:     p.Metrics,
		lockTimeout: p.LockTimeout,
		now:         time.Now,
	}, nil
}

// TryClaim assigns the driver to the order if, at the instant the order and
// driver locks are held, the order is still unassigned, the driver has no
// other active order and the driver's wallet meets the policy minimum.
// At most one concurrent claim per order succeeds.
func (s *Service) TryClaim(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	start := time.Now()
	result, err := s.tryClaim(ctx, in)
	if err == nil {
		s.metrics.ObserveClaim(string(result.Outcome), time.Since(start))
		s.logResult(ctx, in, result)
	}
	return result, err
}

func (s *Service) tryClaim(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	if in.OrderID == uuid.Nil || in.DriverID == uuid.Nil {
		return ClaimResult{}, pkgerrors.New(pkgerrors.CodeValidation, "order id and driver id are required")
	}
	actor := types.Actor{Type: enums.ActorDriver, ID: in.DriverID}
	if in.Actor != nil {
		actor = *in.Actor
	}
	if actor.Type == enums.ActorDriver && actor.ID != in.DriverID {
		return ClaimResult{}, pkgerrors.New(pkgerrors.CodeForbidden, "drivers may only claim for themselves")
	}
	if actor.Type == enums.ActorCustomer {
		return ClaimResult{}, pkgerrors.New(pkgerrors.CodeForbidden, "customers cannot assign drivers")
	}

	policy, err := s.policies.Current(ctx)
	if err != nil {
		return ClaimResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load settlement policy")
	}

	release, err := s.locks.AcquireAll(ctx, s.lockTimeout,
		locks.OrderKey(in.OrderID.String()),
		locks.DriverKey(in.DriverID.String()),
	)
	if err != nil {
		if errors.Is(err, locks.ErrTimeout) {
			return busy("order or driver is locked by another request"), nil
		}
		return ClaimResult{}, err
	}
	defer release()

	var result ClaimResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := dbpkg.SetLockTimeout(tx, s.lockTimeout); err != nil {
			return err
		}
		var err error
		result, err = s.claimTx(ctx, tx, in, actor, policy)
		if err != nil {
			return err
		}
		if !result.Accepted {
			// nothing was written; roll back the row locks
			return errRejected
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errRejected):
		return result, nil
	case dbpkg.IsLockTimeout(err):
		return busy("order or wallet row is locked"), nil
	case dbpkg.IsUniqueViolation(err, "ux_orders_driver_active"):
		// one-active-order index caught a claim the row locks did not serialize
		return reject(enums.ClaimOutcomeActiveOrderExists, "driver already has an active order"), nil
	default:
		return ClaimResult{}, err
	}
}

var errRejected = errors.New("claim rejected")

func (s *Service) claimTx(ctx context.Context, tx *gorm.DB, in ClaimInput, actor types.Actor, policy settlement.Policy) (ClaimResult, error) {
	repo := s.repo.WithTx(tx)

	order, err := repo.LockOrder(ctx, in.OrderID)
	if err != nil {
		return ClaimResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
	}
	if order == nil {
		return ClaimResult{}, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if actor.Type == enums.ActorMerchant && actor.ID != order.MerchantID {
		return ClaimResult{}, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another merchant")
	}

	if order.DriverID != nil {
		if *order.DriverID == in.DriverID && order.Status.IsClaimed() {
			return ClaimResult{Accepted: true, Outcome: enums.ClaimOutcomeAccepted, Reason: "already assigned to this driver", Order: order}, nil
		}
		return unavailable("order already has a driver"), nil
	}
	target, ok := claimTarget(order.Status)
	if !ok {
		return unavailable("order is " + string(order.Status)), nil
	}

	activeID, err := repo.ActiveOrderFor(ctx, in.DriverID, order.ID)
	if err != nil {
		return ClaimResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check active orders")
	}
	if activeID != nil {
		return reject(enums.ClaimOutcomeActiveOrderExists, "driver already has an active order"), nil
	}

	balance, _, err := s.wallets.LockedBalance(ctx, tx, in.DriverID)
	if err != nil {
		return ClaimResult{}, err
	}
	if !wallets.Sufficient(balance, policy.MinWalletBalance) {
		return reject(enums.ClaimOutcomeInsufficientWallet,
			fmt.Sprintf("wallet balance %s below minimum %s", balance.StringFixed(2), policy.MinWalletBalance.StringFixed(2))), nil
	}

	if target.IsWorking() {
		reserved, err := s.stock.Reserve(ctx, tx, order.ID)
		if err != nil {
			return ClaimResult{}, err
		}
		if !reserved.OK() {
			return ClaimResult{}, stock.InsufficientStockError(reserved.Shortages)
		}
	}

	at := s.now().UTC()
	assigned, err := repo.AssignDriver(ctx, order.ID, in.DriverID, order.Status, target, at)
	if err != nil {
		return ClaimResult{}, err
	}
	if !assigned {
		return unavailable("order changed while claiming"), nil
	}

	from := order.Status
	driverID := in.DriverID
	order.Status = target
	order.DriverID = &driverID
	order.UpdatedAt = at
	if target == enums.OrderStatusAccepted {
		order.AcceptedAt = &at
	} else {
		order.PickedUpAt = &at
	}

	if err := s.emitClaimed(ctx, tx, order, from, actor, at); err != nil {
		return ClaimResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit claim events")
	}
	s.metrics.IncTransition(string(from), string(target), "ok")
	return ClaimResult{Accepted: true, Outcome: enums.ClaimOutcomeAccepted, Order: order}, nil
}

func (s *Service) emitClaimed(ctx context.Context, tx *gorm.DB, order *models.Order, from enums.OrderStatus, actor types.Actor, at time.Time) error {
	ref := &outbox.ActorRef{Type: actor.Type, ID: actor.ID}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderClaimed,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         ref,
		OccurredAt:    at,
		Data: payloads.OrderClaimedEvent{
			OrderID:   order.ID,
			DriverID:  *order.DriverID,
			From:      from,
			To:        order.Status,
			ClaimedAt: at,
		},
	}); err != nil {
		return err
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
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
	})
}

// claimTarget maps a claimable status to the status the claim moves it to.
// A ready order without a driver predates strict assignment and is picked
// up directly.
func claimTarget(status enums.OrderStatus) (enums.OrderStatus, bool) {
	switch status {
	case enums.OrderStatusPending:
		return enums.OrderStatusAccepted, true
	case enums.OrderStatusReady:
		return enums.OrderStatusPickedUp, true
	default:
		return "", false
	}
}

// IsClaimable reports whether a driver may take an order in this state.
func IsClaimable(order *models.Order) bool {
	if order == nil || order.DriverID != nil {
		return false
	}
	_, ok := claimTarget(order.Status)
	return ok
}

// Precheck is an advisory read of the driver's eligibility. TryClaim
// re-checks everything under lock.
type Precheck struct {
	Balance        decimal.Decimal `json:"balance"`
	Minimum        decimal.Decimal `json:"minimum"`
	WalletFound    bool            `json:"wallet_found"`
	Sufficient     bool            `json:"sufficient"`
	HasActiveOrder bool            `json:"has_active_order"`
}

func (s *Service) PrecheckWallet(ctx context.Context, driverID uuid.UUID) (Precheck, error) {
	if driverID == uuid.Nil {
		return Precheck{}, pkgerrors.New(pkgerrors.CodeValidation, "driver id is required")
	}
	policy, err := s.policies.Current(ctx)
	if err != nil {
		return Precheck{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load settlement policy")
	}
	balance, found, err := s.wallets.GetBalance(ctx, driverID)
	if err != nil {
		return Precheck{}, err
	}
	activeID, err := s.repo.ActiveOrderFor(ctx, driverID, uuid.Nil)
	if err != nil {
		return Precheck{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check active orders")
	}
	return Precheck{
		Balance:        balance,
		Minimum:        policy.MinWalletBalance,
		WalletFound:    found,
		Sufficient:     wallets.Sufficient(balance, policy.MinWalletBalance),
		HasActiveOrder: activeID != nil,
	}, nil
}

func (s *Service) logResult(ctx context.Context, in ClaimInput, result ClaimResult) {
	if s.logg == nil {
		return
	}
	logCtx := s.logg.WithOrderID(ctx, in.OrderID.String())
	logCtx = s.logg.WithDriverID(logCtx, in.DriverID.String())
	fields := map[string]any{"outcome": string(result.Outcome), "reason": result.Reason}
	if result.detail != "" {
		fields["detail"] = result.detail
	}
	logCtx = s.logg.WithFields(logCtx, fields)
	if result.Accepted {
		s.logg.Info(logCtx, "claim accepted")
		return
	}
	s.logg.Debug(logCtx, "claim rejected")
}

func reject(outcome enums.ClaimOutcome, reason string) ClaimResult {
	return ClaimResult{Outcome: outcome, Reason: reason}
}

func unavailable(detail string) ClaimResult {
	return ClaimResult{Outcome: enums.ClaimOutcomeOrderUnavailable, Reason: ReasonOrderUnavailable, detail: detail}
}

func busy(reason string) ClaimResult {
	return reject(enums.ClaimOutcomeBusy, reason)
}

// ResultError converts a rejected claim into the matching typed error for
// callers that surface rejections as failures.
func ResultError(result ClaimResult) error {
	if result.Accepted {
		return nil
	}
	code := pkgerrors.CodeOrderUnavailable
	switch result.Outcome {
	case enums.ClaimOutcomeActiveOrderExists:
		code = pkgerrors.CodeActiveOrderExists
	case enums.ClaimOutcomeInsufficientWallet:
		code = pkgerrors.CodeInsufficientWallet
	case enums.ClaimOutcomeBusy:
		code = pkgerrors.CodeBusy
	}
	return pkgerrors.New(code, result.Reason).WithDetails(map[string]any{"outcome": result.Outcome})
}
