package engine

import (
	"fmt"
	"strings"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

// Scope addresses what a figure is computed over: a single meter, every
// meter of a utility, or the combined-water pseudo-utility.
type Scope struct {
	MeterID string
	Utility types.UtilityCode
}

// MeterScope addresses a single meter.
func MeterScope(id string) Scope {
	return Scope{MeterID: id}
}

// UtilityScope addresses all meters of a utility.
func UtilityScope(u types.UtilityCode) Scope {
	return Scope{Utility: u}
}

// ParseScope parses "meter:<id>" or a utility code (HW, CW, EL, HEAT, or
// WATER for combined water).
func ParseScope(s string) (Scope, error) {
	if id, ok := strings.CutPrefix(s, "meter:"); ok {
		if id == "" {
			return Scope{}, fmt.Errorf("empty meter id in scope %q", s)
		}
		return MeterScope(id), nil
	}
	if types.UtilityCode(s) == types.UtilityCombinedWater {
		return UtilityScope(types.UtilityCombinedWater), nil
	}
	if u := types.ParseUtilityCode(s); u != types.UtilityUnknown {
		return UtilityScope(u), nil
	}
	return Scope{}, fmt.Errorf("unknown scope %q", s)
}

// IsMeter reports whether the scope addresses a single meter.
func (s Scope) IsMeter() bool {
	return s.MeterID != ""
}

// IsCombinedWater reports whether the scope is the hot+cold water sum.
func (s Scope) IsCombinedWater() bool {
	return !s.IsMeter() && s.Utility == types.UtilityCombinedWater
}

// Key returns a stable cache key fragment for the scope.
func (s Scope) Key() string {
	if s.IsMeter() {
		return "meter:" + s.MeterID
	}
	return string(s.Utility)
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	return s.Key()
}
