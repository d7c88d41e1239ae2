package cron

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/dispatchcore/internal/settlement"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
)

type fakeBackfiller struct {
	ids      []uuid.UUID
	failFor  uuid.UUID
	settled  []uuid.UUID
	policies []settlement.Policy
}

func (f *fakeBackfiller) UnsettledDelivered(_ context.Context, limit int) ([]uuid.UUID, error) {
	if limit < len(f.ids) {
		return f.ids[:limit], nil
	}
	return f.ids, nil
}

func (f *fakeBackfiller) SettleOrder(_ context.Context, orderID uuid.UUID, policy settlement.Policy) (*models.DriverEarning, bool, error) {
	if orderID == f.failFor {
		return nil, false, errors.New("db gone")
	}
	f.settled = append(f.settled, orderID)
	f.policies = append(f.policies, policy)
	return &models.DriverEarning{OrderID: orderID}, true, nil
}

func newBackfillJob(t *testing.T, settler earningsBackfiller, batch int) Job {
	t.Helper()
	policy := settlement.Policy{PerKmRate: decimal.NewFromInt(2), CommissionRate: decimal.RequireFromString("0.2"), Version: "v7"}
	job, err := NewSettlementBackfillJob(SettlementBackfillJobParams{
		Logger:    logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Settler:   settler,
		Policies:  settlement.NewStaticPolicySource(policy),
		BatchSize: batch,
	})
	require.NoError(t, err)
	return job
}

func TestSettlementBackfillSettlesEachCandidate(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	fake := &fakeBackfiller{ids: ids}
	job := newBackfillJob(t, fake, 2)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, ids[:2], fake.settled)
	for _, p := range fake.policies {
		assert.Equal(t, "v7", p.Version)
	}
}

func TestSettlementBackfillContinuesPastFailures(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	fake := &fakeBackfiller{ids: ids, failFor: ids[1]}
	job := newBackfillJob(t, fake, 10)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ids[1].String())
	assert.Equal(t, []uuid.UUID{ids[0], ids[2]}, fake.settled)
}

func TestSettlementBackfillRequiresDependencies(t *testing.T) {
	_, err := NewSettlementBackfillJob(SettlementBackfillJobParams{})
	assert.Error(t, err)
}
