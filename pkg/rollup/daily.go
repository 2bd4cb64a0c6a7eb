// Package rollup derives daily and monthly figures from cached per-meter
// series. Everything here is pure computation over snapshots; nothing in this
// package fetches.
package rollup

import (
	"sort"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

// LookbackDays is how far back the daily walkers search for a usable point.
const LookbackDays = 30

// Daily is a resolved most-recent figure for a single meter. A nil Value
// means no usable point exists in the lookback window; LagDays is nil in
// that case, never zero.
type Daily struct {
	Value   *float64
	AsOf    types.DateKey
	LagDays *int
}

// Aggregate is a utility-level daily figure summed across meters that had a
// valid point on the resolved date.
type Aggregate struct {
	Daily
	MeterIDs []string
}

// LatestConsumption walks backward from today through the lookback window
// and returns the most recent non-null, non-negative consumption value.
func LatestConsumption(s types.DailySeries, today types.DateKey) Daily {
	for lag := 0; lag <= LookbackDays; lag++ {
		d := today.AddDays(-lag)
		p, ok := s.Points[d]
		if !ok || p.Consumption == nil || *p.Consumption < 0 {
			continue
		}
		return Daily{Value: p.Consumption, AsOf: d, LagDays: types.Int(lag)}
	}
	return Daily{}
}

// LatestPrice walks backward from today and returns the most recent non-zero
// price. If only zero prices exist it falls back to the most recent zero
// entry: some utilities report 0 before billing lands, and the upstream
// service cannot tell "truly zero" apart from "missing, defaulted to zero".
func LatestPrice(s types.DailySeries, today types.DateKey) Daily {
	var zero *Daily
	for lag := 0; lag <= LookbackDays; lag++ {
		d := today.AddDays(-lag)
		p, ok := s.Points[d]
		if !ok || p.Price == nil {
			continue
		}
		if *p.Price != 0 {
			return Daily{Value: p.Price, AsOf: d, LagDays: types.Int(lag)}
		}
		if zero == nil {
			zero = &Daily{Value: p.Price, AsOf: d, LagDays: types.Int(lag)}
		}
	}
	if zero != nil {
		return *zero
	}
	return Daily{}
}

// consumptionAt returns the valid consumption for the day, if any.
func consumptionAt(s types.DailySeries, d types.DateKey) *float64 {
	p, ok := s.Points[d]
	if !ok || p.Consumption == nil || *p.Consumption < 0 {
		return nil
	}
	return p.Consumption
}

// priceAt returns the price for the day, if any. Zero is a usable price
// here; the zero-vs-missing distinction only matters when resolving the
// date, not when summing across meters at an already-resolved date.
func priceAt(s types.DailySeries, d types.DateKey) *float64 {
	p, ok := s.Points[d]
	if !ok || p.Price == nil {
		return nil
	}
	return p.Price
}

func aggregate(
	byMeter map[string]types.DailySeries,
	today types.DateKey,
	resolve func(types.DailySeries, types.DateKey) Daily,
	at func(types.DailySeries, types.DateKey) *float64,
) Aggregate {
	// each meter resolves independently; the aggregate uses the most lagged
	// of the resolved dates so no meter is summed ahead of its own data
	var resolved types.DateKey
	for _, s := range byMeter {
		r := resolve(s, today)
		if r.Value == nil {
			continue
		}
		if resolved == "" || r.AsOf < resolved {
			resolved = r.AsOf
		}
	}
	if resolved == "" {
		return Aggregate{}
	}

	var sum float64
	var ids []string
	for id, s := range byMeter {
		v := at(s, resolved)
		if v == nil {
			continue
		}
		sum += *v
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return Aggregate{}
	}
	sort.Strings(ids)
	return Aggregate{
		Daily: Daily{
			Value:   types.Float(sum),
			AsOf:    resolved,
			LagDays: types.Int(resolved.DaysUntil(today)),
		},
		MeterIDs: ids,
	}
}

// AggregateConsumption sums the latest consumption across the utility's
// meters. Only meters with a valid point on the resolved date contribute.
func AggregateConsumption(byMeter map[string]types.DailySeries, today types.DateKey) Aggregate {
	return aggregate(byMeter, today, LatestConsumption, consumptionAt)
}

// AggregateCost sums daily metered cost the same way.
func AggregateCost(byMeter map[string]types.DailySeries, today types.DateKey) Aggregate {
	return aggregate(byMeter, today, LatestPrice, priceAt)
}

// CombineWater merges the hot- and cold-water aggregates into the combined
// water figure. Partial combination is forbidden: if either side is
// unavailable the result is unavailable, and the combined date is the more
// lagged of the two.
func CombineWater(hot, cold Aggregate, today types.DateKey) Aggregate {
	if hot.Value == nil || cold.Value == nil {
		return Aggregate{}
	}
	asOf := hot.AsOf
	if cold.AsOf < asOf {
		asOf = cold.AsOf
	}
	ids := make([]string, 0, len(hot.MeterIDs)+len(cold.MeterIDs))
	ids = append(ids, hot.MeterIDs...)
	ids = append(ids, cold.MeterIDs...)
	sort.Strings(ids)
	return Aggregate{
		Daily: Daily{
			Value:   types.Float(*hot.Value + *cold.Value),
			AsOf:    asOf,
			LagDays: types.Int(asOf.DaysUntil(today)),
		},
		MeterIDs: ids,
	}
}
