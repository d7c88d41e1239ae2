package wallets

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/internal/repo"
	dbpkg "github.com/angelmondragon/dispatchcore/pkg/db"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
)

// Reader exposes wallet balances as a precondition snapshot. Balances are
// moved elsewhere; nothing here writes them.
type Reader interface {
	GetBalance(ctx context.Context, ownerID uuid.UUID) (decimal.Decimal, bool, error)
	LockedBalance(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) (decimal.Decimal, bool, error)
}

type Service struct {
	base repo.Base
}

func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	return &Service{base: repo.NewBase(db)}, nil
}

// GetBalance reads the balance without locking. found is false when the
// owner has no wallet.
func (s *Service) GetBalance(ctx context.Context, ownerID uuid.UUID) (decimal.Decimal, bool, error) {
	return s.read(ctx, s.base.DB(ctx), ownerID)
}

// LockedBalance reads the balance under a row lock held until tx ends.
func (s *Service) LockedBalance(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) (decimal.Decimal, bool, error) {
	if tx == nil {
		return decimal.Zero, false, errors.New("transaction required")
	}
	return s.read(ctx, dbpkg.ForUpdate(s.base.WithTx(tx).DB(ctx)), ownerID)
}

func (s *Service) read(_ context.Context, query *gorm.DB, ownerID uuid.UUID) (decimal.Decimal, bool, error) {
	var wallet models.Wallet
	ok, err := repo.FirstOrNil(query.Where("owner_id = ?", ownerID), &wallet)
	if err != nil {
		return decimal.Zero, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load wallet")
	}
	if !ok {
		return decimal.Zero, false, nil
	}
	return wallet.Balance, true, nil
}

// Sufficient reports whether balance meets minimum. A zero minimum accepts
// any non-negative balance, including a missing wallet.
func Sufficient(balance, minimum decimal.Decimal) bool {
	if !minimum.IsPositive() {
		return !balance.IsNegative()
	}
	return balance.GreaterThanOrEqual(minimum)
}
