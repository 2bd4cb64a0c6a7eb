package rollup

import (
	"sort"
	"time"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

// MonthSums is a single meter's month-to-date totals over the cached daily
// points. Nil totals mean not a single non-null point fell in the month;
// nulls are excluded from sums, never counted as zero.
type MonthSums struct {
	Consumption *float64
	Cost        *float64
}

// SumMonth totals the series' non-null points inside the month window. The
// caller is responsible for checking coverage first; a partially covered
// window sums to a silently low figure.
func SumMonth(s types.DailySeries, month types.MonthKey) MonthSums {
	var out MonthSums
	for d, p := range s.Points {
		if !month.Contains(d) {
			continue
		}
		if p.Consumption != nil && *p.Consumption >= 0 {
			if out.Consumption == nil {
				out.Consumption = types.Float(0)
			}
			*out.Consumption += *p.Consumption
		}
		if p.Price != nil {
			if out.Cost == nil {
				out.Cost = types.Float(0)
			}
			*out.Cost += *p.Price
		}
	}
	return out
}

// CoversMonthToDate reports whether the series has a point (null or not) for
// every day from the start of the month through today, or through the end of
// the month when the month has already closed. A false result means the
// lookback window does not reach the month start and a direct monthly fetch
// is needed instead of a partial sum.
func CoversMonthToDate(s types.DailySeries, month types.MonthKey, today types.DateKey) bool {
	start := types.DateKey(string(month) + "-01")
	end := today
	if !month.Contains(today) {
		if today < start {
			return false
		}
		end = start.AddDays(month.Days(time.UTC) - 1)
	}
	return s.Covers(start, end)
}

// CombineMonthly merges the hot- and cold-water monthly figures for the same
// month. Either side missing makes the combined figure unavailable.
func CombineMonthly(hot, cold *float64) *float64 {
	if hot == nil || cold == nil {
		return nil
	}
	return types.Float(*hot + *cold)
}

// MonthCostObservations returns the month-to-date metered cost summed across
// meters and the number of distinct days that produced at least one non-null
// price. Days is what the end-of-month projection divides by, so a month
// with no priced days yields days = 0, not a zero mean.
func MonthCostObservations(byMeter map[string]types.DailySeries, month types.MonthKey) (total float64, days int) {
	byDay := map[types.DateKey]float64{}
	for _, s := range byMeter {
		for d, p := range s.Points {
			if !month.Contains(d) || p.Price == nil {
				continue
			}
			byDay[d] += *p.Price
		}
	}
	for _, v := range byDay {
		total += v
	}
	return total, len(byDay)
}

// ContributingMeters returns the sorted IDs of meters whose series holds at
// least one non-null point inside the month. Meter identity carries no lag
// dependency, so this is computed even when the headline value is nil.
func ContributingMeters(byMeter map[string]types.DailySeries, month types.MonthKey) []string {
	var ids []string
	for id, s := range byMeter {
		for d, p := range s.Points {
			if month.Contains(d) && (p.Consumption != nil || p.Price != nil) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}
