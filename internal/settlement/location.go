package settlement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/types"
)

// LocationProvider resolves the coordinates used for the distance fee.
type LocationProvider interface {
	DriverLocation(ctx context.Context, driverID uuid.UUID) (types.GeographyPoint, bool, error)
	MerchantLocation(ctx context.Context, merchantID uuid.UUID) (types.GeographyPoint, bool, error)
}

type dbLocations struct {
	db *gorm.DB
}

// NewDBLocationProvider reads driver_locations and merchants.
func NewDBLocationProvider(db *gorm.DB) LocationProvider {
	return &dbLocations{db: db}
}

func (p *dbLocations) DriverLocation(ctx context.Context, driverID uuid.UUID) (types.GeographyPoint, bool, error) {
	var row models.DriverLocation
	err := p.db.WithContext(ctx).Where("driver_id = ?", driverID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.GeographyPoint{}, false, nil
	}
	if err != nil {
		return types.GeographyPoint{}, false, err
	}
	return row.Location, !row.Location.IsZero(), nil
}

func (p *dbLocations) MerchantLocation(ctx context.Context, merchantID uuid.UUID) (types.GeographyPoint, bool, error) {
	var row models.Merchant
	err := p.db.WithContext(ctx).Where("id = ?", merchantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.GeographyPoint{}, false, nil
	}
	if err != nil {
		return types.GeographyPoint{}, false, err
	}
	if row.Location == nil || row.Location.IsZero() {
		return types.GeographyPoint{}, false, nil
	}
	return *row.Location, true, nil
}
