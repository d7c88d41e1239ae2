package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/dispatchcore/pkg/db/models"
)

const moneyPlaces = 2

// DistanceFee charges per started kilometre.
func DistanceFee(distanceKm, perKmRate decimal.Decimal) decimal.Decimal {
	if !distanceKm.IsPositive() || !perKmRate.IsPositive() {
		return decimal.Zero
	}
	return distanceKm.Ceil().Mul(perKmRate).Round(moneyPlaces)
}

// DeriveGross returns the amount owed to the driver before commission.
// A positive recorded earning amount wins; otherwise the largest of the
// delivery fee, the calculated delivery fee and the distance fee.
func DeriveGross(order *models.Order, distanceKm decimal.Decimal, policy Policy) decimal.Decimal {
	if order == nil {
		return decimal.Zero
	}
	if order.DriverEarningAmount.Valid && order.DriverEarningAmount.Decimal.IsPositive() {
		return order.DriverEarningAmount.Decimal.Round(moneyPlaces)
	}

	gross := decimal.Zero
	candidates := []decimal.Decimal{
		order.DeliveryFee,
		nullOrZero(order.CalculatedDeliveryFee),
		DistanceFee(distanceKm, policy.PerKmRate),
	}
	for _, candidate := range candidates {
		if candidate.GreaterThan(gross) {
			gross = candidate
		}
	}
	return gross.Round(moneyPlaces)
}

// ComputeCommission prefers the amount recorded on the order and falls back
// to the policy rate. The result is never negative.
func ComputeCommission(order *models.Order, gross decimal.Decimal, policy Policy) decimal.Decimal {
	var commission decimal.Decimal
	if order != nil && order.CommissionAmount.Valid {
		commission = order.CommissionAmount.Decimal
	} else {
		commission = gross.Mul(policy.CommissionRate)
	}
	if commission.IsNegative() {
		return decimal.Zero
	}
	return commission.Round(moneyPlaces)
}

// ComputeNet returns max(gross-commission, 0). When that leaves nothing for a
// positive gross, net is clamped to gross and clamped is true.
func ComputeNet(gross, commission decimal.Decimal) (net decimal.Decimal, clamped bool) {
	if !gross.IsPositive() {
		return decimal.Zero, false
	}
	net = gross.Sub(commission)
	if !net.IsPositive() {
		return gross, true
	}
	if net.GreaterThan(gross) {
		net = gross
	}
	return net, false
}

func nullOrZero(v decimal.NullDecimal) decimal.Decimal {
	if !v.Valid {
		return decimal.Zero
	}
	return v.Decimal
}
