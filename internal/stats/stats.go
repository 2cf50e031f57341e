// Package stats computes the elementary time-series statistics the project
// tracks: simple moving averages over close prices and volatility as the
// standard deviation of day-over-day percent change.
package stats

import (
	"fmt"
	"math"
)

// SMA returns the simple moving average of the trailing period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive")
	}
	if len(values) < period {
		return 0, fmt.Errorf("not enough data: %d values for period %d", len(values), period)
	}

	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period), nil
}

// RollingSMA returns the moving average series aligned with the input:
// position i holds the average of values[i-period+1..i], and the first
// period-1 positions hold NaN since the window is not yet full.
func RollingSMA(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive")
	}

	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		} else {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

// Volatility returns the sample standard deviation of the percent change
// between consecutive values, in percent. The input must be ordered in
// ascending time sequence. At least three values are required to form two
// percent changes.
func Volatility(values []float64) (float64, error) {
	if len(values) < 3 {
		return 0, fmt.Errorf("not enough data: %d values, need at least 3", len(values))
	}

	changes := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			return 0, fmt.Errorf("zero value at position %d makes percent change undefined", i-1)
		}
		changes = append(changes, (values[i]-values[i-1])/values[i-1]*100)
	}

	mean := 0.0
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))

	// Sample variance (n-1 denominator).
	variance := 0.0
	for _, c := range changes {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(changes) - 1)

	return math.Sqrt(variance), nil
}
