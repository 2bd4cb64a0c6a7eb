package types

import (
	"time"
)

const (
	dateKeyLayout  = "2006-01-02"
	monthKeyLayout = "2006-01"
)

// DateKey is a calendar day in the engine's configured timezone, formatted
// "2006-01-02". String keys sort chronologically, which the rollup walkers
// rely on.
type DateKey string

// NewDateKey returns the DateKey for t in t's location.
func NewDateKey(t time.Time) DateKey {
	return DateKey(t.Format(dateKeyLayout))
}

// Time returns the first instant of the day in loc.
func (d DateKey) Time(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateKeyLayout, string(d), loc)
}

// AddDays returns the key n days after d (negative n walks backward).
func (d DateKey) AddDays(n int) DateKey {
	t, err := d.Time(time.UTC)
	if err != nil {
		return d
	}
	return NewDateKey(t.AddDate(0, 0, n))
}

// DaysUntil returns the number of whole days from d to other.
func (d DateKey) DaysUntil(other DateKey) int {
	a, err := d.Time(time.UTC)
	if err != nil {
		return 0
	}
	b, err := other.Time(time.UTC)
	if err != nil {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}

// Month returns the MonthKey containing d.
func (d DateKey) Month() MonthKey {
	if len(d) < len(monthKeyLayout) {
		return ""
	}
	return MonthKey(d[:len(monthKeyLayout)])
}

// MonthKey is a calendar month formatted "2006-01".
type MonthKey string

// NewMonthKey returns the MonthKey for t in t's location.
func NewMonthKey(t time.Time) MonthKey {
	return MonthKey(t.Format(monthKeyLayout))
}

// Bounds returns the first instant of the month and the first instant of the
// next month in loc. The end is exclusive.
func (m MonthKey) Bounds(loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(monthKeyLayout, string(m), loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 1, 0), nil
}

// Days returns the number of calendar days in the month. Counted
// calendrically rather than in elapsed hours, since a DST transition makes
// the month shorter or longer than days*24h in wall-clock time.
func (m MonthKey) Days(loc *time.Location) int {
	start, _, err := m.Bounds(loc)
	if err != nil {
		return 0
	}
	return start.AddDate(0, 1, -1).Day()
}

// Contains reports whether d falls inside the month.
func (m MonthKey) Contains(d DateKey) bool {
	return d.Month() == m
}

// RawPoint is a single per-meter reading for one day, produced only by the
// metering client. A nil Consumption means "no data received yet", which is
// distinct from zero and must never be aggregated as zero.
type RawPoint struct {
	MeterID     string      `json:"meterID"`
	Utility     UtilityCode `json:"utility"`
	Date        DateKey     `json:"date"`
	Consumption *float64    `json:"consumption"`
	Price       *float64    `json:"price"`
}

// DailySeries is an immutable snapshot of one meter's daily points over the
// lookback window. Updates replace the snapshot wholesale via WithPoints so
// readers always observe a consistent value and the host framework's change
// detection sees a new object per fetch batch.
type DailySeries struct {
	MeterID string               `json:"meterID"`
	Utility UtilityCode          `json:"utility"`
	Unit    string               `json:"unit"`
	Points  map[DateKey]RawPoint `json:"points"`
}

// WithPoints returns a new series with the batch merged over the existing
// points. The receiver is not modified.
func (s DailySeries) WithPoints(batch []RawPoint) DailySeries {
	next := DailySeries{
		MeterID: s.MeterID,
		Utility: s.Utility,
		Unit:    s.Unit,
		Points:  make(map[DateKey]RawPoint, len(s.Points)+len(batch)),
	}
	for k, v := range s.Points {
		next.Points[k] = v
	}
	for _, p := range batch {
		next.Points[p.Date] = p
	}
	return next
}

// Covers reports whether the series has a point (null or not) for every day
// in [from, to].
func (s DailySeries) Covers(from, to DateKey) bool {
	for d := from; d <= to; d = d.AddDays(1) {
		if _, ok := s.Points[d]; !ok {
			return false
		}
	}
	return true
}

// MonthlyTotal is the result of a direct monthly-range fetch for one meter.
type MonthlyTotal struct {
	Consumption *float64 `json:"consumption"`
	Price       *float64 `json:"price"`
}
