package stock

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/pkg/db/dbtest"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
)

func TestRepositoryWithTxSeesOnlyItsOwnWrites(t *testing.T) {
	db := dbtest.Open(t)
	base := NewRepository(db)
	orderID := uuid.New()
	itemID := uuid.New()
	rollback := errors.New("rollback")

	err := db.Transaction(func(tx *gorm.DB) error {
		txRepo := base.WithTx(tx)
		require.NoError(t, txRepo.CreateReservation(context.Background(), &models.StockReservation{
			OrderID: orderID,
			Lines:   []models.StockReservationLine{{CatalogItemID: itemID, Quantity: 2}},
		}))
		found, err := txRepo.LockReservation(context.Background(), orderID)
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Len(t, found.Lines, 1)
		assert.Equal(t, 2, found.Lines[0].Quantity)
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	found, err := base.FindReservation(context.Background(), orderID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRepositoryMissingRowsAreNil(t *testing.T) {
	r := NewRepository(dbtest.Open(t))

	reservation, err := r.LockReservation(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, reservation)

	item, err := r.LockCatalogItem(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestRepositoryMarkReleasedOnlyOnce(t *testing.T) {
	db := dbtest.Open(t)
	r := NewRepository(db)
	reservation := &models.StockReservation{OrderID: uuid.New()}
	require.NoError(t, r.CreateReservation(context.Background(), reservation))

	require.NoError(t, r.MarkReleased(context.Background(), reservation.ID, reservation.ReservedAt))
	found, err := r.FindReservation(context.Background(), reservation.OrderID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, enums.ReservationStatusReleased, found.Status)
	assert.NotNil(t, found.ReleasedAt)
}
