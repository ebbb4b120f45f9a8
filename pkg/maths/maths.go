// Package maths provides small numeric conversions.
package maths

import (
	"math"
)

// RoundFloat64ToInt rounds v to the nearest int, mapping NaN and Inf to 0.
func RoundFloat64ToInt(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	return int(math.Round(v))
}

// Int64 truncates v to int64, mapping NaN, Inf and negatives to 0.
func Int64(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}

	return int64(v)
}
