// Package types holds the domain records shared by the aggregation engine.
package types

// UtilityCode identifies the category of resource a meter tracks.
type UtilityCode string

const (
	UtilityHotWater    UtilityCode = "HW"
	UtilityColdWater   UtilityCode = "CW"
	UtilityElectricity UtilityCode = "EL"
	UtilityHeat        UtilityCode = "HEAT"
	UtilityUnknown     UtilityCode = "UNKNOWN"

	// UtilityCombinedWater is a pseudo-utility addressing the sum of hot and
	// cold water. It is never reported by a meter; it exists only as an
	// aggregation scope.
	UtilityCombinedWater UtilityCode = "WATER"
)

// ParseUtilityCode maps an upstream utility code string to a UtilityCode.
func ParseUtilityCode(s string) UtilityCode {
	switch UtilityCode(s) {
	case UtilityHotWater, UtilityColdWater, UtilityElectricity, UtilityHeat:
		return UtilityCode(s)
	}
	return UtilityUnknown
}

// ConsumptionUnit returns the unit consumption is reported in for this utility.
func (u UtilityCode) ConsumptionUnit() string {
	switch u {
	case UtilityHotWater, UtilityColdWater, UtilityCombinedWater:
		return "m3"
	case UtilityElectricity, UtilityHeat:
		return "kWh"
	}
	return ""
}

// Meter represents a single measuring point discovered at startup.
// Immutable once discovered; picking up new meters requires a restart.
type Meter struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Utility UtilityCode `json:"utility"`
}

// SourceKind distinguishes metered figures from spot-price estimates.
type SourceKind string

const (
	SourceMetered   SourceKind = "metered"
	SourceEstimated SourceKind = "estimated"
)

// Float returns a pointer to v. Convenience for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}
