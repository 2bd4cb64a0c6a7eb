package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/cache"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/log"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/metering"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/rollup"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/spot"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

// valueFrom renders a rollup aggregate as the exposed record.
func valueFrom(agg rollup.Aggregate, unit string, allIDs []string) types.Value {
	if agg.Value == nil {
		return types.Unavailable(allIDs)
	}
	return types.Value{
		Value:      agg.Value,
		Unit:       unit,
		AsOf:       agg.AsOf,
		LagDays:    agg.LagDays,
		MeterCount: len(agg.MeterIDs),
		MeterIDs:   agg.MeterIDs,
	}
}

// dailyAggregate computes a scope's daily aggregate with the given per-meter
// resolver (consumption or metered cost).
func (e *Engine) dailyAggregate(
	ctx context.Context,
	scope Scope,
	agg func(map[string]types.DailySeries, types.DateKey) rollup.Aggregate,
) (rollup.Aggregate, []string, error) {
	today := e.today()
	if scope.IsCombinedWater() {
		hotMeters, _ := e.metersFor(UtilityScope(types.UtilityHotWater))
		coldMeters, _ := e.metersFor(UtilityScope(types.UtilityColdWater))
		hot := agg(e.seriesByMeter(ctx, hotMeters), today)
		cold := agg(e.seriesByMeter(ctx, coldMeters), today)
		all := append(meterIDs(hotMeters), meterIDs(coldMeters)...)
		return rollup.CombineWater(hot, cold, today), all, nil
	}
	meters, err := e.metersFor(scope)
	if err != nil {
		return rollup.Aggregate{}, nil, err
	}
	return agg(e.seriesByMeter(ctx, meters), today), meterIDs(meters), nil
}

// DailyConsumption returns the most recent daily consumption for the scope,
// with lag metadata. Unavailable data reports a nil value, never zero.
func (e *Engine) DailyConsumption(ctx context.Context, scope Scope) (types.Value, error) {
	agg, allIDs, err := e.dailyAggregate(ctx, scope, rollup.AggregateConsumption)
	if err != nil {
		return types.Value{}, err
	}
	unit := scope.Utility.ConsumptionUnit()
	if scope.IsMeter() && len(agg.MeterIDs) > 0 {
		if meters, err := e.metersFor(scope); err == nil {
			unit = meters[0].Utility.ConsumptionUnit()
		}
	}
	return valueFrom(agg, unit, allIDs), nil
}

// DailyCost returns the most recent daily cost for the scope. The metered
// and estimated kinds are distinct channels: metered never falls back to an
// estimate, and the estimate collapses to the metered figure whenever
// metered data exists.
func (e *Engine) DailyCost(ctx context.Context, scope Scope, kind types.SourceKind) (types.Value, error) {
	agg, allIDs, err := e.dailyAggregate(ctx, scope, rollup.AggregateCost)
	if err != nil {
		return types.Value{}, err
	}
	metered := valueFrom(agg, e.currency, allIDs)
	if kind == types.SourceMetered || metered.Value != nil {
		return metered, nil
	}
	if !e.estimable(scope) {
		return types.Unavailable(allIDs), nil
	}

	consumption, err := e.DailyConsumption(ctx, scope)
	if err != nil || consumption.Value == nil {
		return types.Unavailable(allIDs), err
	}
	estimate, uncalibrated, ok := e.estimateCost(ctx, *consumption.Value, func(ctx context.Context) (float64, error) {
		return e.spots.CurrentPrice(ctx)
	})
	if !ok {
		return types.Unavailable(allIDs), nil
	}
	return types.Value{
		Value:        types.Float(estimate),
		Unit:         e.currency,
		AsOf:         consumption.AsOf,
		LagDays:      consumption.LagDays,
		MeterCount:   consumption.MeterCount,
		MeterIDs:     consumption.MeterIDs,
		Estimated:    true,
		Uncalibrated: uncalibrated,
	}, nil
}

// estimable reports whether the spot model applies to the scope. The model
// prices water heating, so only hot-water scopes qualify.
func (e *Engine) estimable(scope Scope) bool {
	if scope.IsMeter() {
		meters, err := e.metersFor(scope)
		return err == nil && len(meters) == 1 && meters[0].Utility == types.UtilityHotWater
	}
	return scope.Utility == types.UtilityHotWater
}

// estimateCost runs the spot model for the consumption. ok is false when the
// spot price is unavailable; a missing cold-water rate or calibration only
// degrades the estimate, it never blocks it.
func (e *Engine) estimateCost(ctx context.Context, consumptionM3 float64, meanSpot func(context.Context) (float64, error)) (estimate float64, uncalibrated, ok bool) {
	price, err := meanSpot(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "spot price unavailable for estimate", slog.Any("error", err))
		return 0, false, false
	}
	ratio, calibrated := e.bills.CalibrationRatio(ctx)
	return spot.EstimateHotWaterCost(consumptionM3, price, ratio, e.coldWaterRate(ctx)), !calibrated, true
}

// coldWaterRate derives the per-m3 cold water rate for the estimate. The
// current month's metered figures reflect the live tariff, so they win; the
// billed unit rate fills in when the month has no usable cold water data.
func (e *Engine) coldWaterRate(ctx context.Context) float64 {
	month := types.NewMonthKey(e.now().In(e.loc))
	agg, err := e.monthlyFor(ctx, UtilityScope(types.UtilityColdWater), month)
	if err == nil && agg.Cost != nil && agg.Consumption != nil && *agg.Consumption > 0 {
		return *agg.Cost / *agg.Consumption
	}
	rate, _, err := e.bills.UnitRate(ctx, types.UtilityColdWater)
	if err != nil {
		if !errors.Is(err, metering.ErrNoBillingData) {
			log.Ctx(ctx).WarnContext(ctx, "cold water rate unavailable for estimate", slog.Any("error", err))
		}
		return 0
	}
	return rate
}

// monthlyFor computes the month-to-date aggregate for a non-combined scope.
// A fresh cached aggregate wins; otherwise daily points are summed when the
// lookback covers the month window, and a direct monthly fetch replaces the
// sum when it does not.
func (e *Engine) monthlyFor(ctx context.Context, scope Scope, month types.MonthKey) (types.MonthlyAggregate, error) {
	key := "monthly_" + scope.Key() + "_" + string(month)
	if agg, ok := e.monthly.Get(key); ok {
		return agg, nil
	}

	meters, err := e.metersFor(scope)
	if err != nil {
		return types.MonthlyAggregate{}, err
	}
	today := e.today()
	byMeter := e.seriesByMeter(ctx, meters)

	var consumption, cost *float64
	var ids []string
	add := func(dst **float64, v *float64) {
		if v == nil {
			return
		}
		if *dst == nil {
			*dst = types.Float(0)
		}
		**dst += *v
	}

	for _, m := range meters {
		s, ok := byMeter[m.ID]
		if ok && rollup.CoversMonthToDate(s, month, today) {
			sums := rollup.SumMonth(s, month)
			if sums.Consumption != nil || sums.Cost != nil {
				ids = append(ids, m.ID)
			}
			add(&consumption, sums.Consumption)
			add(&cost, sums.Cost)
			continue
		}
		// the lookback window does not reach the month start; a partial sum
		// would silently understate, so fetch the month directly
		total, err := e.monthlyTotal(ctx, m, month)
		if err != nil {
			if !errors.Is(err, metering.ErrUnavailable) {
				log.Ctx(ctx).WarnContext(
					ctx,
					"failed to fetch monthly total",
					slog.String("meterID", m.ID),
					slog.String("month", string(month)),
					slog.Any("error", err),
				)
			}
			continue
		}
		if total.Consumption != nil || total.Price != nil {
			ids = append(ids, m.ID)
		}
		add(&consumption, total.Consumption)
		add(&cost, total.Price)
	}
	sort.Strings(ids)

	agg := types.MonthlyAggregate{
		Key:         key,
		Month:       month,
		Consumption: consumption,
		Cost:        cost,
		Unit:        scope.Utility.ConsumptionUnit(),
		Currency:    e.currency,
		MeterIDs:    ids,
		Source:      types.SourceMetered,
	}
	if scope.IsMeter() && len(meters) == 1 {
		agg.Unit = meters[0].Utility.ConsumptionUnit()
	}
	agg.MeterCount = len(agg.MeterIDs)
	e.monthly.Put(key, agg, cache.TTLMedium)
	return agg, nil
}

// monthlyTotal issues a deduplicated direct monthly-range fetch.
func (e *Engine) monthlyTotal(ctx context.Context, meter types.Meter, month types.MonthKey) (types.MonthlyTotal, error) {
	key := "monthlytotal_" + meter.ID + "_" + string(month)
	v, _, err := e.group.Do(ctx, key, func(ctx context.Context) (any, error) {
		return e.client.FetchMonthlyTotal(ctx, meter, month)
	})
	if err != nil {
		return types.MonthlyTotal{}, err
	}
	return v.(types.MonthlyTotal), nil
}

// monthlyValue renders a monthly aggregate headline as a Value.
func monthlyValue(agg types.MonthlyAggregate, headline *float64, unit string) types.Value {
	if headline == nil {
		return types.Unavailable(agg.MeterIDs)
	}
	return types.Value{
		Value:      headline,
		Unit:       unit,
		MeterCount: agg.MeterCount,
		MeterIDs:   agg.MeterIDs,
	}
}

// MonthlyConsumption returns the month-to-date consumption for the scope.
// Combined water requires both utilities to resolve for the same month.
func (e *Engine) MonthlyConsumption(ctx context.Context, scope Scope, month types.MonthKey) (types.Value, error) {
	if scope.IsCombinedWater() {
		hot, err := e.monthlyFor(ctx, UtilityScope(types.UtilityHotWater), month)
		if err != nil {
			return types.Value{}, err
		}
		cold, err := e.monthlyFor(ctx, UtilityScope(types.UtilityColdWater), month)
		if err != nil {
			return types.Value{}, err
		}
		combined := combineAggregates(hot, cold)
		return monthlyValue(combined, rollup.CombineMonthly(hot.Consumption, cold.Consumption), types.UtilityCombinedWater.ConsumptionUnit()), nil
	}
	agg, err := e.monthlyFor(ctx, scope, month)
	if err != nil {
		return types.Value{}, err
	}
	return monthlyValue(agg, agg.Consumption, agg.Unit), nil
}

// MonthlyCost returns the month-to-date cost for the scope. As with the
// daily figure, the estimate only fills in when no metered cost exists.
func (e *Engine) MonthlyCost(ctx context.Context, scope Scope, month types.MonthKey, kind types.SourceKind) (types.Value, error) {
	var agg types.MonthlyAggregate
	var metered *float64
	if scope.IsCombinedWater() {
		hot, err := e.monthlyFor(ctx, UtilityScope(types.UtilityHotWater), month)
		if err != nil {
			return types.Value{}, err
		}
		cold, err := e.monthlyFor(ctx, UtilityScope(types.UtilityColdWater), month)
		if err != nil {
			return types.Value{}, err
		}
		agg = combineAggregates(hot, cold)
		metered = rollup.CombineMonthly(hot.Cost, cold.Cost)
	} else {
		var err error
		agg, err = e.monthlyFor(ctx, scope, month)
		if err != nil {
			return types.Value{}, err
		}
		metered = agg.Cost
	}
	if kind == types.SourceMetered || metered != nil {
		return monthlyValue(agg, metered, e.currency), nil
	}
	if !e.estimable(scope) || agg.Consumption == nil {
		return types.Unavailable(agg.MeterIDs), nil
	}

	start, end, err := month.Bounds(e.loc)
	if err != nil {
		return types.Value{}, err
	}
	estimate, uncalibrated, ok := e.estimateCost(ctx, *agg.Consumption, func(ctx context.Context) (float64, error) {
		return e.spots.MeanForRange(ctx, start, end)
	})
	if !ok {
		return types.Unavailable(agg.MeterIDs), nil
	}
	return types.Value{
		Value:        types.Float(estimate),
		Unit:         e.currency,
		MeterCount:   agg.MeterCount,
		MeterIDs:     agg.MeterIDs,
		Estimated:    true,
		Uncalibrated: uncalibrated,
	}, nil
}

// combineAggregates merges the metadata of two utility aggregates.
func combineAggregates(a, b types.MonthlyAggregate) types.MonthlyAggregate {
	ids := make([]string, 0, len(a.MeterIDs)+len(b.MeterIDs))
	ids = append(ids, a.MeterIDs...)
	ids = append(ids, b.MeterIDs...)
	return types.MonthlyAggregate{
		Month:      a.Month,
		MeterIDs:   ids,
		MeterCount: len(ids),
		Source:     types.SourceMetered,
	}
}

// EndOfMonthProjection projects the month's final cost for a utility:
// month-to-date cost plus the mean observed daily cost times the days left.
// With zero priced days this month the projection is unavailable.
func (e *Engine) EndOfMonthProjection(ctx context.Context, utility types.UtilityCode) (types.Value, error) {
	var meters []types.Meter
	if utility == types.UtilityCombinedWater {
		hot, _ := e.metersFor(UtilityScope(types.UtilityHotWater))
		cold, _ := e.metersFor(UtilityScope(types.UtilityColdWater))
		meters = append(hot, cold...)
	} else {
		var err error
		meters, err = e.metersFor(UtilityScope(utility))
		if err != nil {
			return types.Value{}, err
		}
	}

	now := e.now().In(e.loc)
	month := types.NewMonthKey(now)
	byMeter := e.seriesByMeter(ctx, meters)

	total, days := rollup.MonthCostObservations(byMeter, month)
	ids := rollup.ContributingMeters(byMeter, month)
	if days == 0 {
		return types.Unavailable(ids), nil
	}

	mean := total / float64(days)
	remaining := month.Days(e.loc) - now.Day()
	projection := total + mean*float64(remaining)

	log.Ctx(ctx).DebugContext(
		ctx,
		"computed end of month projection",
		slog.String("utility", string(utility)),
		slog.Float64("monthToDate", total),
		slog.Int("observedDays", days),
		slog.Int("remainingDays", remaining),
		slog.Float64("projection", projection),
	)
	return types.Value{
		Value:      types.Float(projection),
		Unit:       e.currency,
		AsOf:       types.NewDateKey(now),
		MeterCount: len(ids),
		MeterIDs:   ids,
	}, nil
}
