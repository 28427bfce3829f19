// Package statsutil provides small numeric helpers used by the optimizer:
// means, spreads and coefficients of variation over the bounded snapshot
// history (gonum), plus a go-talib moving average.
package statsutil

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean, or 0 for an empty series.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev returns the sample standard deviation (n-1 denominator), or 0 for
// an empty or single-point series.
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// CoefficientOfVariation returns stddev/mean, clamped to 0 when the mean
// is non-positive (a zero or negative average rate carries no meaningful
// spread for confidence purposes).
func CoefficientOfVariation(data []float64) float64 {
	mean := Mean(data)
	if mean <= 0 {
		return 0
	}
	return StdDev(data) / mean
}

// SmoothedLast runs a simple moving average of the given period over data
// using go-talib and returns the most recent smoothed value. Falls back to
// the plain mean when there isn't enough data for the requested period.
func SmoothedLast(data []float64, period int) float64 {
	if len(data) == 0 {
		return 0
	}
	if len(data) < period {
		return Mean(data)
	}

	sma := talib.Sma(data, period)
	if len(sma) == 0 {
		return Mean(data)
	}
	last := sma[len(sma)-1]
	if math.IsNaN(last) {
		return Mean(data[len(data)-period:])
	}
	return last
}
