// Package spot provides day-ahead electricity prices and the spot-price
// model used to estimate hot-water heating cost when metered prices are
// missing.
package spot

import (
	"context"
	"time"
)

// EnergyPerCubicMeter is the physical model constant: heating a cubic meter
// of water by roughly 50°C takes about 45 kWh. System efficiency is folded
// into the billing calibration ratio rather than modelled separately.
const EnergyPerCubicMeter = 45.0

// Source supplies spot electricity prices in the configured currency per kWh.
type Source interface {
	// CurrentPrice returns the price for the current hour, or the mean of
	// today's published hours when the current hour is missing.
	CurrentPrice(ctx context.Context) (float64, error)
	// MeanForRange returns a representative mean price for the period.
	MeanForRange(ctx context.Context, from, to time.Time) (float64, error)
}

// EstimateHotWaterCost prices consumption (m³) from the spot model: the
// heating energy at the mean spot price, scaled by the billing-derived
// calibration ratio, plus the cold-water component at the metered rate.
func EstimateHotWaterCost(consumptionM3, meanSpotPerKWH, calibrationRatio, coldWaterRatePerM3 float64) float64 {
	heating := consumptionM3 * EnergyPerCubicMeter * meanSpotPerKWH * calibrationRatio
	return heating + consumptionM3*coldWaterRatePerM3
}
