package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/dispatchcore/internal/settlement"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
)

const defaultBackfillBatch = 100

type earningsBackfiller interface {
	UnsettledDelivered(ctx context.Context, limit int) ([]uuid.UUID, error)
	SettleOrder(ctx context.Context, orderID uuid.UUID, policy settlement.Policy) (*models.DriverEarning, bool, error)
}

// SettlementBackfillJobParams configure the earnings backfill.
type SettlementBackfillJobParams struct {
	Logger    *logger.Logger
	Settler   earningsBackfiller
	Policies  settlement.PolicySource
	BatchSize int
}

// NewSettlementBackfillJob settles delivered orders that have no earning row,
// e.g. when the delivered transition committed before a settlement retry.
func NewSettlementBackfillJob(params SettlementBackfillJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Settler == nil {
		return nil, fmt.Errorf("settlement service required")
	}
	if params.Policies == nil {
		return nil, fmt.Errorf("policy source required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBackfillBatch
	}
	return &settlementBackfillJob{
		logg:     params.Logger,
		settler:  params.Settler,
		policies: params.Policies,
		batch:    batch,
	}, nil
}

type settlementBackfillJob struct {
	logg     *logger.Logger
	settler  earningsBackfiller
	policies settlement.PolicySource
	batch    int
}

func (j *settlementBackfillJob) Name() string { return "settlement-backfill" }

func (j *settlementBackfillJob) Run(ctx context.Context) error {
	ids, err := j.settler.UnsettledDelivered(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("query unsettled orders: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	policy, err := j.policies.Current(ctx)
	if err != nil {
		return fmt.Errorf("load settlement policy: %w", err)
	}

	var errs error
	created := 0
	for _, id := range ids {
		_, inserted, err := j.settler.SettleOrder(ctx, id, policy)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("settle order %s: %w", id, err))
			continue
		}
		if inserted {
			created++
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates":     len(ids),
		"created":        created,
		"policy_version": policy.Version,
	})
	j.logg.Info(logCtx, "settlement backfill complete")
	return errs
}
