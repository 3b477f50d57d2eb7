// Package mathx provides rounding helpers not present in the math package
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}
