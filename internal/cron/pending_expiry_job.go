package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/dispatchcore/internal/orders"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
	"github.com/angelmondragon/dispatchcore/pkg/types"
)

const (
	defaultPendingExpiry = 2 * time.Hour
	pendingExpiryBatch   = 200
)

type pendingOrderCanceller interface {
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	Transition(ctx context.Context, input orders.TransitionInput) (*models.Order, error)
}

// PendingExpiryJobParams configure the unclaimed order sweep.
type PendingExpiryJobParams struct {
	Logger *logger.Logger
	Orders pendingOrderCanceller
	MaxAge time.Duration
}

// NewPendingExpiryJob cancels orders nobody claimed within MaxAge.
func NewPendingExpiryJob(params PendingExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders service required")
	}
	maxAge := params.MaxAge
	if maxAge <= 0 {
		maxAge = defaultPendingExpiry
	}
	return &pendingExpiryJob{
		logg:   params.Logger,
		orders: params.Orders,
		maxAge: maxAge,
		now:    time.Now,
	}, nil
}

type pendingExpiryJob struct {
	logg   *logger.Logger
	orders pendingOrderCanceller
	maxAge time.Duration
	now    func() time.Time
}

func (j *pendingExpiryJob) Name() string { return "pending-expiry" }

func (j *pendingExpiryJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.maxAge)
	ids, err := j.orders.PendingBefore(ctx, cutoff, pendingExpiryBatch)
	if err != nil {
		return fmt.Errorf("query pending orders: %w", err)
	}

	var errs error
	cancelled, skipped := 0, 0
	for _, id := range ids {
		_, err := j.orders.Transition(ctx, orders.TransitionInput{
			OrderID:  id,
			Actor:    types.SystemActor(),
			Expected: enums.OrderStatusPending,
			Target:   enums.OrderStatusCancelled,
		})
		switch {
		case err == nil:
			cancelled++
		case pkgerrors.IsCode(err, pkgerrors.CodeStaleState), pkgerrors.IsCode(err, pkgerrors.CodeBusy):
			// claimed or being claimed since the query ran
			skipped++
		default:
			errs = multierr.Append(errs, fmt.Errorf("expire order %s: %w", id, err))
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":    cutoff,
		"cancelled": cancelled,
		"skipped":   skipped,
	})
	j.logg.Info(logCtx, "pending expiry loop complete")
	return errs
}
