// Package billing caches billing snapshots from the metering service and
// derives unit rates, non-consumption charges and the spot-price calibration
// ratio from them.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/cache"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/dedup"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/log"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/metering"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/spot"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

const (
	periodsKey = "billing-periods"

	// how far back to ask for billing results; enough to find several closed
	// periods even on quarterly billing
	fetchLookback = 400 * 24 * time.Hour

	defaultCalibrationPeriods = 4

	// calibration samples outside these bounds say more about bad input data
	// than about the heating system
	ratioMin = 0.5
	ratioMax = 2.0
)

// Manager serves billing-derived figures. Billing results barely change once
// published, so they are cached for a full day and never invalidated by
// consumption fetches.
type Manager struct {
	client metering.Client
	spots  spot.Source

	// number of closed periods the calibration ratio averages over
	calibrationPeriods int

	store *cache.Store[[]types.BillingPeriod]
	group dedup.Group
	now   func() time.Time
}

// Configured sets up flags for the billing manager and returns the instance.
func Configured(client metering.Client, spots spot.Source) *Manager {
	m := NewManager(client, spots, defaultCalibrationPeriods)
	periods := lflag.Int("calibration-periods", defaultCalibrationPeriods, "Number of closed billing periods the spot-price calibration averages over")
	lflag.Do(func() {
		m.calibrationPeriods = *periods
	})
	return m
}

// NewManager builds a manager directly.
func NewManager(client metering.Client, spots spot.Source, calibrationPeriods int) *Manager {
	return &Manager{
		client:             client,
		spots:              spots,
		calibrationPeriods: calibrationPeriods,
		store:              cache.NewStore[[]types.BillingPeriod](),
		now:                time.Now,
	}
}

// Validate ensures the configuration is valid.
func (m *Manager) Validate() error {
	if m.client == nil {
		return fmt.Errorf("billing manager requires a metering client")
	}
	if m.calibrationPeriods < 1 {
		return fmt.Errorf("calibration-periods must be at least 1")
	}
	return nil
}

// Periods returns the known billing periods, newest first. The underlying
// fetch is cached for a day and deduplicated across concurrent callers.
func (m *Manager) Periods(ctx context.Context) ([]types.BillingPeriod, error) {
	if cached, ok := m.store.Get(periodsKey); ok {
		return cached, nil
	}
	v, _, err := m.group.Do(ctx, periodsKey, func(ctx context.Context) (any, error) {
		now := m.now()
		periods, err := m.client.FetchBilling(ctx, now.Add(-fetchLookback), now)
		if err != nil {
			return nil, err
		}
		sort.Slice(periods, func(i, j int) bool {
			return periods[i].Start.After(periods[j].Start)
		})
		m.store.Put(periodsKey, periods, cache.TTLLong)
		return periods, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.BillingPeriod), nil
}

// latestPart finds the newest period carrying a part for the utility.
func (m *Manager) latestPart(ctx context.Context, utility types.UtilityCode) (types.BillingPeriod, types.BillingPart, error) {
	periods, err := m.Periods(ctx)
	if err != nil {
		return types.BillingPeriod{}, types.BillingPart{}, err
	}
	for _, period := range periods {
		for _, part := range period.Parts {
			if part.Utility == utility {
				return period, part, nil
			}
		}
	}
	return types.BillingPeriod{}, types.BillingPart{}, fmt.Errorf("%w: no billing part for %s", metering.ErrNoBillingData, utility)
}

// UnitRate returns the billed per-m3 rate for the utility from the most
// recent period that has one, along with the bill currency.
func (m *Manager) UnitRate(ctx context.Context, utility types.UtilityCode) (float64, string, error) {
	period, part, err := m.latestPart(ctx, utility)
	if err != nil {
		return 0, "", err
	}
	rate, ok := part.VariableRate()
	if !ok {
		return 0, "", fmt.Errorf("%w: no variable rate for %s", metering.ErrNoBillingData, utility)
	}
	return rate, period.Currency, nil
}

// OtherItemsCost returns the non-consumption charges on the latest bill,
// rounding included, exactly as billed.
func (m *Manager) OtherItemsCost(ctx context.Context) (float64, string, error) {
	periods, err := m.Periods(ctx)
	if err != nil {
		return 0, "", err
	}
	if len(periods) == 0 {
		return 0, "", fmt.Errorf("%w: no billing periods", metering.ErrNoBillingData)
	}
	latest := periods[0]
	var sum float64
	for _, part := range latest.Parts {
		if part.IsOtherItems() {
			sum += part.Total()
		}
	}
	return sum, latest.Currency, nil
}

// EffectiveRate returns the utility's billed total divided by its billed
// consumption for the most recent period. Zero billed consumption is an
// expected state early in a cycle and reports as no data, not infinity.
func (m *Manager) EffectiveRate(ctx context.Context, utility types.UtilityCode) (float64, error) {
	_, part, err := m.latestPart(ctx, utility)
	if err != nil {
		return 0, err
	}
	var consumption float64
	for _, item := range part.Items {
		if item.RateUnit == types.RateUnitCubicMeter &&
			(item.ComponentType == types.ComponentVariable || item.ComponentType == types.ComponentVariable2) {
			consumption += item.Quantity
		}
	}
	if consumption == 0 {
		return 0, fmt.Errorf("%w: zero billed consumption for %s", metering.ErrNoBillingData, utility)
	}
	return part.Total() / consumption, nil
}

// CalibrationRatio aligns the spot-price heating model with billed truth. It
// averages, over the last few closed periods, the billed heating premium of
// hot water over cold water against what the spot model would have charged
// for the same period, and clamps the result. When nothing usable exists the
// ratio is 1.0 and calibrated is false so consumers can surface the estimate
// as uncalibrated.
func (m *Manager) CalibrationRatio(ctx context.Context) (ratio float64, calibrated bool) {
	periods, err := m.Periods(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "calibration unavailable", slog.Any("error", err))
		return 1.0, false
	}

	var sum float64
	var samples int
	for _, period := range periods {
		if samples >= m.calibrationPeriods {
			break
		}
		hwRate, cwRate, ok := waterRates(period)
		if !ok {
			continue
		}
		meanSpot, err := m.spots.MeanForRange(ctx, period.Start, period.End)
		if err != nil || meanSpot <= 0 {
			log.Ctx(ctx).DebugContext(
				ctx,
				"skipping billing period for calibration",
				slog.Time("start", period.Start),
				slog.Any("error", err),
			)
			continue
		}
		sum += (hwRate - cwRate) / (meanSpot * spot.EnergyPerCubicMeter)
		samples++
	}
	if samples == 0 {
		return 1.0, false
	}

	ratio = sum / float64(samples)
	if ratio < ratioMin {
		ratio = ratioMin
	} else if ratio > ratioMax {
		ratio = ratioMax
	}
	return ratio, true
}

// waterRates extracts the hot- and cold-water variable rates from a period.
func waterRates(period types.BillingPeriod) (hw, cw float64, ok bool) {
	var haveHW, haveCW bool
	for _, part := range period.Parts {
		rate, has := part.VariableRate()
		if !has {
			continue
		}
		switch part.Utility {
		case types.UtilityHotWater:
			hw, haveHW = rate, true
		case types.UtilityColdWater:
			cw, haveCW = rate, true
		}
	}
	return hw, cw, haveHW && haveCW
}

// Forget drops the cached billing periods so the next read refetches.
func (m *Manager) Forget() {
	m.store.Forget(periodsKey)
}
