package correlation

import (
	"math"
	"sync"

	"trade-guardrails/internal/models"
)

// Estimator computes rolling Pearson correlation over the last window returns of
// each asset class. Returns are aligned by arrival order within each class.
type Estimator struct {
	mu      sync.RWMutex
	window  int
	returns map[models.AssetClass][]float64
}

// NewEstimator creates an estimator with the given window, at least 2.
func NewEstimator(window int) *Estimator {
	if window < 2 {
		window = 2
	}
	return &Estimator{
		window:  window,
		returns: make(map[models.AssetClass][]float64),
	}
}

// Observe appends one period return for class.
func (e *Estimator) Observe(class models.AssetClass, ret float64) {
	if math.IsNaN(ret) || math.IsInf(ret, 0) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	series := append(e.returns[class], ret)
	if len(series) > e.window {
		series = series[len(series)-e.window:]
	}
	e.returns[class] = series
}

// Samples returns how many returns are held for class.
func (e *Estimator) Samples(class models.AssetClass) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.returns[class])
}

// Correlation implements Provider. Pairs with fewer than two overlapping
// samples, or a flat series, are reported as uncorrelated.
func (e *Estimator) Correlation(a, b models.AssetClass) float64 {
	if a == b {
		return 1
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	xs, ys := e.returns[a], e.returns[b]
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return 0
	}
	return Clamp(pearson(xs[len(xs)-n:], ys[len(ys)-n:]))
}

func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
