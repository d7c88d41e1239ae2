package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/dispatchcore/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	require.NoError(t, err)
	require.NotEmpty(t, matches, "no %s migration found", suffix)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	return string(data)
}

func assertContainsAll(t *testing.T, content string, checks []string) {
	t.Helper()
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestMigrationsDirIsValid(t *testing.T) {
	require.NoError(t, migrate.ValidateDir("migrations"))
}

func TestOrdersMigrationEnforcesDriverInvariant(t *testing.T) {
	assertContainsAll(t, readMigration(t, "create_orders"), []string{
		"CREATE TABLE IF NOT EXISTS orders",
		"CONSTRAINT chk_orders_driver_status CHECK",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_driver_active",
		"WHERE status IN ('accepted','preparing','ready','picked_up','on_the_way')",
		"CONSTRAINT chk_order_items_quantity CHECK (quantity > 0)",
		"DROP TABLE IF EXISTS orders",
	})
}

func TestStockMigrationContainsConstraints(t *testing.T) {
	assertContainsAll(t, readMigration(t, "create_stock_reservations"), []string{
		"CONSTRAINT ux_stock_reservations_order UNIQUE (order_id)",
		"CONSTRAINT ux_stock_reservation_lines_item UNIQUE (reservation_id, catalog_item_id)",
		"DROP TABLE IF EXISTS stock_reservations",
	})
	assertContainsAll(t, readMigration(t, "create_merchants_and_catalog"), []string{
		"CHECK (available_qty >= 0)",
		"CHECK (reserved_qty >= 0)",
	})
}

func TestEarningsMigrationContainsConstraints(t *testing.T) {
	assertContainsAll(t, readMigration(t, "create_driver_earnings_and_wallets"), []string{
		"CONSTRAINT ux_driver_earnings_order UNIQUE (order_id)",
		"CONSTRAINT ux_wallets_owner UNIQUE (owner_id)",
		"CHECK (net_clamped OR net_amount = gross_amount - commission_amount)",
		"DROP TABLE IF EXISTS driver_earnings",
	})
}

func writeMigration(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestValidateDirRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "create_orders.sql", "-- +goose Up\nSELECT 1;\n-- +goose Down\nSELECT 1;\n")
	require.Error(t, migrate.ValidateDir(dir))
}

func TestValidateDirRequiresGooseSectionsWithStatements(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20260101000000_x.sql", "-- +goose Up\nSELECT 1;\n")
	require.Error(t, migrate.ValidateDir(dir))

	dir = t.TempDir()
	writeMigration(t, dir, "20260101000000_x.sql", "-- +goose Up\nSELECT 1;\n-- +goose Down\n-- rollback x\n")
	err := migrate.ValidateDir(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "down section has no statements")
}

func TestValidateDirReportsEveryNamingProblem(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20260101000000_create_zones.sql", `-- +goose Up
CREATE TABLE zones (
  id uuid PRIMARY KEY,
  merchant_id uuid NOT NULL,
  CONSTRAINT zones_merchant_fk FOREIGN KEY (merchant_id) REFERENCES merchants(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_zones_merchant ON zones (merchant_id);
-- +goose Down
DROP TABLE zones;
`)
	writeMigration(t, dir, "20260101000100_create_regions.sql", `-- +goose Up
CREATE TABLE regions (id uuid PRIMARY KEY);
CREATE INDEX idx_zones_merchant ON regions (id);
-- +goose Down
DROP TABLE regions;
`)

	err := migrate.ValidateDir(dir)
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, `constraint "zones_merchant_fk"`)
	require.Contains(t, msg, `index "idx_zones_merchant" must be prefixed ux_`)
	require.Contains(t, msg, `index "idx_zones_merchant" already defined in 20260101000000_create_zones.sql`)
}

func TestCreateSQLMigrationScaffoldsTables(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Create Driver Ratings!")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, "_create_driver_ratings.sql"))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assertContainsAll(t, string(body), []string{
		"CREATE TABLE IF NOT EXISTS driver_ratings",
		"idx_driver_ratings_created_at",
		"DROP TABLE IF EXISTS driver_ratings;",
	})
	require.NoError(t, migrate.ValidateDir(dir))
}

func TestCreateSQLMigrationBlankScaffoldFailsValidation(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "add tip column")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, "_add_tip_column.sql"))
	require.Error(t, migrate.ValidateDir(dir))
}
