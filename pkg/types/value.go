package types

// Value is the record every exposed quantity is reported as. A nil Value
// means "unavailable" and is never substituted with zero; lag and meter
// metadata accompany every figure so consumers can judge freshness.
type Value struct {
	Value      *float64 `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	AsOf       DateKey  `json:"asOfDate,omitempty"`
	LagDays    *int     `json:"lagDays"`
	MeterCount int      `json:"meterCount"`
	MeterIDs   []string `json:"contributingMeterIDs,omitempty"`

	// Estimated marks figures derived from the spot-price model rather than
	// metered price data. Uncalibrated additionally marks estimates computed
	// with the default ratio because no billing history was available.
	Estimated    bool `json:"estimated,omitempty"`
	Uncalibrated bool `json:"uncalibrated,omitempty"`
}

// Unavailable returns an empty "no data" value carrying only meter metadata.
func Unavailable(meterIDs []string) Value {
	return Value{
		MeterCount: len(meterIDs),
		MeterIDs:   meterIDs,
	}
}

// MonthlyAggregate is a cached month-to-date rollup for a meter or utility
// scope. It is always re-derivable from the daily and billing caches; losing
// it causes recomputation, not data loss.
type MonthlyAggregate struct {
	Key          string     `json:"key"`
	Month        MonthKey   `json:"month"`
	Consumption  *float64   `json:"consumption"`
	Cost         *float64   `json:"cost"`
	Unit         string     `json:"unit,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	MeterCount   int        `json:"meterCount"`
	MeterIDs     []string   `json:"contributingMeterIDs,omitempty"`
	Source       SourceKind `json:"source"`
	Uncalibrated bool       `json:"uncalibrated,omitempty"`
}
