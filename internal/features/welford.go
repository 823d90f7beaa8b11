package features

import "math"

// welford accumulates a running mean and sum of squared deviations.
// Identical inputs keep the mean exact and M2 at zero.
type welford struct {
	count int
	mean  float64
	m2    float64
	min   float64
	max   float64
}

func (w *welford) add(x float64) {
	if w.count == 0 {
		w.min, w.max = x, x
	}
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
	w.min = math.Min(w.min, x)
	w.max = math.Max(w.max, x)
}

// populationStd matches the divide-by-n deviation used for category stats.
func (w *welford) populationStd() float64 {
	if w.count == 0 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count))
}

// MeanStd returns the mean and population standard deviation of values.
func MeanStd(values []float64) (mean, std float64) {
	var w welford
	for _, v := range values {
		w.add(v)
	}
	return w.mean, w.populationStd()
}
