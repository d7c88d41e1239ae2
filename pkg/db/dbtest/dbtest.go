// Package dbtest opens throwaway sqlite databases migrated with every model.
package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/dispatchcore/pkg/db/models"
)

// AllModels lists every table the dispatch core owns.
func AllModels() []any {
	return []any{
		&models.Merchant{},
		&models.CatalogItem{},
		&models.Order{},
		&models.OrderItem{},
		&models.StockReservation{},
		&models.StockReservationLine{},
		&models.DriverEarning{},
		&models.Wallet{},
		&models.DriverLocation{},
		&models.OutboxEvent{},
		&models.OutboxDLQ{},
	}
}

// Open returns an isolated in-memory database. Connections are capped at one
// so concurrent tests serialize on the store the way row locks would.
func Open(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := "file:dispatch_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		tb.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(AllModels()...); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return conn
}
