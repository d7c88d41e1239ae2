package stock

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
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
)

type fixture struct {
	db      *gorm.DB
	svc     *Service
	orderID uuid.UUID
	items   map[string]uuid.UUID
}

func newFixture(t *testing.T, stockByName map[string]int, orderLines map[string]int) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	svc, err := NewService(NewRepository(db), nil, nil)
	require.NoError(t, err)

	merchantID := uuid.New()
	items := make(map[string]uuid.UUID, len(stockByName))
	for name, qty := range stockByName {
		item := models.CatalogItem{MerchantID: merchantID, Name: name, Price: decimal.NewFromInt(5), AvailableQty: qty}
		require.NoError(t, db.Create(&item).Error)
		items[name] = item.ID
	}

	order := models.Order{MerchantID: merchantID, CustomerID: uuid.New(), Status: enums.OrderStatusPending}
	require.NoError(t, db.Create(&order).Error)
	for name, qty := range orderLines {
		id, ok := items[name]
		if !ok {
			id = uuid.New()
		}
		require.NoError(t, db.Create(&models.OrderItem{
			OrderID:       order.ID,
			CatalogItemID: id,
			Name:          name,
			Quantity:      qty,
			UnitPrice:     decimal.NewFromInt(5),
		}).Error)
	}
	return &fixture{db: db, svc: svc, orderID: order.ID, items: items}
}

func (f *fixture) reserve(t *testing.T) (ReserveResult, error) {
	t.Helper()
	var result ReserveResult
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = f.svc.Reserve(context.Background(), tx, f.orderID)
		return err
	})
	return result, err
}

func (f *fixture) stock(t *testing.T, name string) models.CatalogItem {
	t.Helper()
	var item models.CatalogItem
	require.NoError(t, f.db.First(&item, "id = ?", f.items[name]).Error)
	return item
}

func TestReserveDecrementsEveryItem(t *testing.T) {
	f := newFixture(t, map[string]int{"taco": 10, "soda": 3}, map[string]int{"taco": 4, "soda": 3})

	result, err := f.reserve(t)
	require.NoError(t, err)
	require.True(t, result.OK())
	require.NotNil(t, result.Reservation)
	assert.Len(t, result.Reservation.Lines, 2)

	taco := f.stock(t, "taco")
	assert.Equal(t, 6, taco.AvailableQty)
	assert.Equal(t, 4, taco.ReservedQty)
	soda := f.stock(t, "soda")
	assert.Equal(t, 0, soda.AvailableQty)
	assert.Equal(t, 3, soda.ReservedQty)
}

func TestReserveIsIdempotentPerOrder(t *testing.T) {
	f := newFixture(t, map[string]int{"taco": 10}, map[string]int{"taco": 4})

	first, err := f.reserve(t)
	require.NoError(t, err)
	second, err := f.reserve(t)
	require.NoError(t, err)

	assert.False(t, first.AlreadyReserved)
	assert.True(t, second.AlreadyReserved)
	assert.Equal(t, first.Reservation.ID, second.Reservation.ID)
	assert.Equal(t, 6, f.stock(t, "taco").AvailableQty)

	var count int64
	require.NoError(t, f.db.Model(&models.StockReservation{}).Where("order_id = ?", f.orderID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestReserveReportsAllShortagesWithoutDecrementing(t *testing.T) {
	f := newFixture(t,
		map[string]int{"taco": 10, "soda": 1, "flan": 0},
		map[string]int{"taco": 2, "soda": 2, "flan": 1},
	)

	result, err := f.reserve(t)
	require.NoError(t, err)
	require.False(t, result.OK())
	require.Len(t, result.Shortages, 2)

	names := []string{result.Shortages[0].Name, result.Shortages[1].Name}
	assert.ElementsMatch(t, []string{"soda", "flan"}, names)
	for _, s := range result.Shortages {
		if s.Name == "soda" {
			assert.Equal(t, 2, s.Requested)
			assert.Equal(t, 1, s.Available)
		}
	}

	assert.Equal(t, 10, f.stock(t, "taco").AvailableQty)
	assert.Equal(t, 0, f.stock(t, "taco").ReservedQty)

	var count int64
	require.NoError(t, f.db.Model(&models.StockReservation{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestReserveTreatsUnknownCatalogItemAsShortage(t *testing.T) {
	f := newFixture(t, map[string]int{"taco": 10}, map[string]int{"ghost": 1})

	result, err := f.reserve(t)
	require.NoError(t, err)
	require.Len(t, result.Shortages, 1)
	assert.Equal(t, "ghost", result.Shortages[0].Name)
	assert.Equal(t, 0, result.Shortages[0].Available)
}

func TestReleaseRestoresExactQuantities(t *testing.T) {
	f := newFixture(t, map[string]int{"taco": 10, "soda": 5}, map[string]int{"taco": 4, "soda": 2})
	_, err := f.reserve(t)
	require.NoError(t, err)

	var released bool
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		_, released, err = f.svc.Release(context.Background(), tx, f.orderID)
		return err
	}))
	assert.True(t, released)

	taco := f.stock(t, "taco")
	assert.Equal(t, 10, taco.AvailableQty)
	assert.Equal(t, 0, taco.ReservedQty)
	assert.Equal(t, 5, f.stock(t, "soda").AvailableQty)

	var reservation models.StockReservation
	require.NoError(t, f.db.First(&reservation, "order_id = ?", f.orderID).Error)
	assert.Equal(t, enums.ReservationStatusReleased, reservation.Status)
	assert.NotNil(t, reservation.ReleasedAt)

	// second release is a no-op
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		_, released, err = f.svc.Release(context.Background(), tx, f.orderID)
		return err
	}))
	assert.False(t, released)
	assert.Equal(t, 10, f.stock(t, "taco").AvailableQty)
}

func TestReleaseWithoutReservationIsNoop(t *testing.T) {
	f := newFixture(t, map[string]int{"taco": 10}, map[string]int{"taco": 1})

	var released bool
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		_, released, err = f.svc.Release(context.Background(), tx, f.orderID)
		return err
	}))
	assert.False(t, released)
	assert.Equal(t, 10, f.stock(t, "taco").AvailableQty)
}

func TestGroupDemandSumsDuplicateLines(t *testing.T) {
	id := uuid.New()
	demand := groupDemand([]models.OrderItem{
		{CatalogItemID: id, Name: "taco", Quantity: 2},
		{CatalogItemID: id, Name: "taco", Quantity: 3},
	})
	require.Len(t, demand, 1)
	assert.Equal(t, 5, demand[0].Quantity)
}

func TestInsufficientStockErrorCarriesItems(t *testing.T) {
	err := InsufficientStockError([]Shortage{{Name: "soda", Requested: 2, Available: 1}})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeInsufficientStock, typed.Code())
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	assert.Len(t, details["items"], 1)
}

func TestReserveRequiresTransaction(t *testing.T) {
	svc, err := NewService(NewRepository(nil), nil, nil)
	require.NoError(t, err)
	_, err = svc.Reserve(context.Background(), nil, uuid.New())
	require.Error(t, err)
}
