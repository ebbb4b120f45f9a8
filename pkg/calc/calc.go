// Package calc holds the arithmetic behind progress reporting.
package calc

import "math"

// Percentage returns downloaded/total*100 clamped to [0, 100], or 0 when total is unknown.
func Percentage(downloaded, total int64) float64 {
	if total <= 0 || downloaded <= 0 {
		return 0
	}

	return math.Min(float64(downloaded)/float64(total)*100, 100)
}

// ETA returns the remaining seconds at speed bytes/s, or 0 when unknown.
func ETA(downloaded, total int64, speed float64) int64 {
	if total <= 0 || speed <= 0 || downloaded >= total {
		return 0
	}

	return int64(math.Ceil(float64(total-downloaded) / speed))
}

// EWMA blends sample into prev with weight alpha. A zero prev yields sample.
func EWMA(prev, sample, alpha float64) float64 {
	if prev <= 0 {
		return sample
	}

	return alpha*sample + (1-alpha)*prev
}
