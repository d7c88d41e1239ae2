package db

import (
	"strings"

	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
)

// IsUniqueViolation reports whether the provided error references a unique
// violation. When constraintName is provided, the constraint must match too.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if pg, ok := pkgerrors.PG(err); ok {
		if pg.Class() != pkgerrors.PGClassUniqueViolation {
			return false
		}
		return constraintName == "" || pg.Constraint == constraintName
	}
	msg := err.Error()
	if !strings.Contains(msg, "duplicate key value") && !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	if constraintName != "" {
		return strings.Contains(msg, constraintName) || strings.Contains(msg, "UNIQUE constraint failed")
	}
	return true
}

// IsLockTimeout reports whether the database gave up waiting on a row lock.
func IsLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	if pg, ok := pkgerrors.PG(err); ok {
		class := pg.Class()
		return class == pkgerrors.PGClassLockNotAvailable || class == pkgerrors.PGClassDeadlock
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "lock timeout")
}
