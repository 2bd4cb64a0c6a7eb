package types

import "time"

// Price component types as reported by the billing API. Variable
// consumption charges carry type C1 or C2 with a per-m3 rate.
const (
	ComponentVariable  = "C1"
	ComponentVariable2 = "C2"
	RateUnitCubicMeter = "m3"
)

// BillingPeriod is one closed billing period as returned by the metering
// service. Treated as ground truth once fetched.
type BillingPeriod struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Currency string        `json:"currency"`
	Parts    []BillingPart `json:"parts"`
}

// BillingPart groups the line items billed for one utility. The part with an
// empty Utility holds general fees not tied to any consumption ("other items").
type BillingPart struct {
	Utility  UtilityCode   `json:"utility,omitempty"`
	Name     string        `json:"name"`
	Rounding float64       `json:"rounding"`
	Items    []BillingItem `json:"items"`
}

// BillingItem is a single billed line.
type BillingItem struct {
	ComponentName string  `json:"componentName"`
	ComponentType string  `json:"componentType"`
	Rate          float64 `json:"rate"`
	RateUnit      string  `json:"rateUnit"`
	Quantity      float64 `json:"quantity"`
	Total         float64 `json:"total"`
}

// IsOtherItems reports whether the part carries general fees rather than
// utility consumption charges.
func (p BillingPart) IsOtherItems() bool {
	return p.Utility == "" || p.Utility == UtilityUnknown
}

// VariableRate returns the per-m3 rate of the part's variable charge, or
// false if the part has none.
func (p BillingPart) VariableRate() (float64, bool) {
	for _, item := range p.Items {
		if item.RateUnit != RateUnitCubicMeter {
			continue
		}
		if item.ComponentType == ComponentVariable || item.ComponentType == ComponentVariable2 {
			return item.Rate, true
		}
	}
	return 0, false
}

// Total returns the sum of the part's line totals plus the bill rounding.
func (p BillingPart) Total() float64 {
	var sum float64
	for _, item := range p.Items {
		sum += item.Total
	}
	return sum + p.Rounding
}

// SpotPrice is one hour of a day-ahead electricity price series.
type SpotPrice struct {
	TS       time.Time `json:"ts"`
	PerKWH   float64   `json:"perKWH"`
	Currency string    `json:"currency"`
}
