package analyzer

import (
	"math"
	"time"
)

// A variable x is relatively within a given tolerance from a value
func WithinTolerance(x, value, tolerance float64) bool {
	if x == value {
		return true
	}
	if value == 0 || tolerance < 0 {
		return false
	}
	return math.Abs((x-value)/value) <= tolerance
}

// duration in milliseconds
func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
