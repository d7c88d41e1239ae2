package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE classes the dispatch core reacts to.
const (
	PGClassUniqueViolation     = "unique_violation"
	PGClassCheckViolation      = "check_violation"
	PGClassForeignKeyViolation = "foreign_key_violation"
	PGClassLockNotAvailable    = "lock_not_available"
	PGClassDeadlock            = "deadlock_detected"
	PGClassSerialization       = "serialization_failure"
)

var pgClasses = map[string]string{
	"23505": PGClassUniqueViolation,
	"23514": PGClassCheckViolation,
	"23503": PGClassForeignKeyViolation,
	"55P03": PGClassLockNotAvailable,
	"40P01": PGClassDeadlock,
	"40001": PGClassSerialization,
}

// constraintHints explain schema guards in domain terms. Hitting one of these
// means an application-level check was bypassed or raced.
var constraintHints = map[string]string{
	"ux_orders_driver_active":         "driver already holds an active order",
	"chk_orders_driver_status":        "driver assignment does not match order status",
	"ux_stock_reservations_order":     "order already has a stock reservation",
	"chk_catalog_items_available":     "stock would go negative",
	"ux_driver_earnings_order":        "order already settled",
	"chk_driver_earnings_net":         "net earning does not match gross minus commission",
	"chk_order_items_quantity":        "order item quantity must be positive",
	"ux_stock_reservation_lines_item": "catalog item reserved twice for one order",
}

// PGInfo is the driver-neutral view of a Postgres error from pgx or lib/pq.
type PGInfo struct {
	Code       string
	Constraint string
	Table      string
	Column     string
	Detail     string
	Message    string
}

// Class names the SQLSTATE, or "" for codes the core does not classify.
func (p PGInfo) Class() string {
	return pgClasses[p.Code]
}

// PG extracts the Postgres error in err's chain, if any.
func PG(err error) (PGInfo, bool) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return PGInfo{
			Code:       pgxErr.Code,
			Constraint: pgxErr.ConstraintName,
			Table:      pgxErr.TableName,
			Column:     pgxErr.ColumnName,
			Detail:     pgxErr.Detail,
			Message:    pgxErr.Message,
		}, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return PGInfo{
			Code:       string(pqErr.Code),
			Constraint: pqErr.Constraint,
			Table:      pqErr.Table,
			Column:     pqErr.Column,
			Detail:     pqErr.Detail,
			Message:    pqErr.Message,
		}, true
	}
	return PGInfo{}, false
}

// ErrorDump flattens an error for structured logs.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Chain      []string `json:"chain,omitempty"`

	PGCode         string `json:"pg_code,omitempty"`
	PGClass        string `json:"pg_class,omitempty"`
	PGConstraint   string `json:"pg_constraint,omitempty"`
	PGTable        string `json:"pg_table,omitempty"`
	PGColumn       string `json:"pg_column,omitempty"`
	PGDetail       string `json:"pg_detail,omitempty"`
	PGMessage      string `json:"pg_message,omitempty"`
	ConstraintHint string `json:"constraint_hint,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	if pg, ok := PG(err); ok {
		d.PGCode = pg.Code
		d.PGClass = pg.Class()
		d.PGConstraint = pg.Constraint
		d.PGTable = pg.Table
		d.PGColumn = pg.Column
		d.PGDetail = pg.Detail
		d.PGMessage = pg.Message
		d.ConstraintHint = constraintHints[pg.Constraint]
	}
	return d
}
