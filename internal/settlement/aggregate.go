package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/dispatchcore/pkg/db/models"
)

// Bucket is the net total and row count for one period.
type Bucket struct {
	Net   decimal.Decimal `json:"net"`
	Count int             `json:"count"`
}

// Summary groups a driver's net earnings by period.
type Summary struct {
	Today   Bucket    `json:"today"`
	Week    Bucket    `json:"this_week"`
	Month   Bucket    `json:"this_month"`
	AllTime Bucket    `json:"all_time"`
	AsOf    time.Time `json:"as_of"`
}

// Summarize buckets earnings relative to now in loc. Today and this month
// follow the local calendar; this week is the rolling seven days ending at
// now. Each bucket is computed independently.
func Summarize(earnings []models.DriverEarning, now time.Time, loc *time.Location) Summary {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	weekStart := now.Add(-7 * 24 * time.Hour)

	summary := Summary{
		Today:   Bucket{Net: decimal.Zero},
		Week:    Bucket{Net: decimal.Zero},
		Month:   Bucket{Net: decimal.Zero},
		AllTime: Bucket{Net: decimal.Zero},
		AsOf:    now,
	}
	for _, earning := range earnings {
		at := earning.EffectiveEarnedAt()
		summary.AllTime.add(earning.NetAmount)
		if within(at, dayStart, now) {
			summary.Today.add(earning.NetAmount)
		}
		if within(at, weekStart, now) {
			summary.Week.add(earning.NetAmount)
		}
		if within(at, monthStart, now) {
			summary.Month.add(earning.NetAmount)
		}
	}
	return summary
}

func (b *Bucket) add(amount decimal.Decimal) {
	b.Net = b.Net.Add(amount)
	b.Count++
}

func within(at, start, end time.Time) bool {
	return !at.Before(start) && !at.After(end)
}
