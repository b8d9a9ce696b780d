package billing

import "math"

const (
	unitMinutes      = 15
	partialUnitFloor = 8
)

// ComputeBillingUnits applies the eight-minute rule: each full quarter hour
// is a unit and a trailing remainder of at least eight minutes adds one
// more. One unit is always billed, even without a usable duration.
func ComputeBillingUnits(candidateMinutes *float64) Units {
	if candidateMinutes == nil {
		return Units{Units: 1}
	}
	v := *candidateMinutes
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return Units{Units: 1}
	}

	minutes := int(math.Round(v))
	if minutes < 1 {
		minutes = 1
	}

	units := minutes / unitMinutes
	if minutes%unitMinutes >= partialUnitFloor {
		units++
	}
	if units < 1 {
		units = 1
	}
	return Units{Minutes: &minutes, Units: units}
}

// MinutesPtr converts an optional whole-minute count for ComputeBillingUnits.
func MinutesPtr(m *int) *float64 {
	if m == nil {
		return nil
	}
	f := float64(*m)
	return &f
}
