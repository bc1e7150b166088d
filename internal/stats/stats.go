// Package stats holds the rolling-window math shared by the risk
// layers: return volatility, Pearson correlation and EMA baselines.
package stats

import "math"

// Returns computes consecutive fractional returns for a price series.
// Zero prices are skipped to avoid division blowups on bad ticks.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// StdDev is the population standard deviation.
func StdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(xs)))
}

// ReturnVolatility is the stddev of consecutive returns of a price series.
func ReturnVolatility(prices []float64) float64 {
	return StdDev(Returns(prices))
}

// Pearson computes the correlation coefficient over matched samples.
// Series of unequal length are truncated to the shorter one; fewer than
// two samples or a flat series yields 0.
func Pearson(xs, ys []float64) float64 {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return 0
	}
	xs, ys = xs[len(xs)-n:], ys[len(ys)-n:]

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// EMA folds one sample into an exponential moving average. A zero prev
// is treated as unset and seeds with the sample.
func EMA(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return prev + alpha*(sample-prev)
}
