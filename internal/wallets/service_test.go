package wallets

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/pkg/db/dbtest"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
)

func TestGetBalance(t *testing.T) {
	db := dbtest.Open(t)
	svc, err := NewService(db)
	require.NoError(t, err)

	owner := uuid.New()
	require.NoError(t, db.Create(&models.Wallet{OwnerID: owner, OwnerType: "driver", Balance: decimal.RequireFromString("42.50")}).Error)

	balance, found, err := svc.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, balance.Equal(decimal.RequireFromString("42.5")))

	balance, found, err = svc.GetBalance(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, balance.IsZero())
}

func TestLockedBalanceInsideTransaction(t *testing.T) {
	db := dbtest.Open(t)
	svc, err := NewService(db)
	require.NoError(t, err)

	owner := uuid.New()
	require.NoError(t, db.Create(&models.Wallet{OwnerID: owner, OwnerType: "driver", Balance: decimal.NewFromInt(7)}).Error)

	err = db.Transaction(func(tx *gorm.DB) error {
		balance, found, err := svc.LockedBalance(context.Background(), tx, owner)
		require.NoError(t, err)
		assert.True(t, found)
		assert.True(t, balance.Equal(decimal.NewFromInt(7)))
		return nil
	})
	require.NoError(t, err)

	_, _, err = svc.LockedBalance(context.Background(), nil, owner)
	require.Error(t, err)
}

func TestSufficient(t *testing.T) {
	d := decimal.RequireFromString
	assert.True(t, Sufficient(d("0"), d("0")))
	assert.False(t, Sufficient(d("-1"), d("0")))
	assert.True(t, Sufficient(d("10"), d("10")))
	assert.False(t, Sufficient(d("9.99"), d("10")))
}
