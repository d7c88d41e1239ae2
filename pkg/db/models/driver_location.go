package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispatchcore/pkg/types"
)

// DriverLocation is the last reported position of a driver.
type DriverLocation struct {
	DriverID  uuid.UUID            `gorm:"column:driver_id;type:uuid;primaryKey"`
	Location  types.GeographyPoint `gorm:"column:location;type:text;not null"`
	UpdatedAt time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
