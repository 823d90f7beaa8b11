// Package iforest implements an isolation forest: an ensemble of random
// partitioning trees where points isolated after fewer splits score as more
// anomalous. Scores follow the usual conventions: ScoreSamples is the negated
// anomaly score in [-1, 0), DecisionFunction subtracts the contamination
// offset so negative values are outliers.
package iforest

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

const eulerGamma = 0.5772156649015329

var (
	ErrTooFewSamples   = errors.New("isolation forest needs at least two samples")
	ErrDegenerateInput = errors.New("all samples are identical")
	ErrRaggedInput     = errors.New("rows have different lengths")
	ErrNotFitted       = errors.New("forest has not been fitted")
)

// Config holds the ensemble parameters.
type Config struct {
	Trees         int
	MaxSamples    int
	Contamination float64
	Seed          uint64
	// Workers bounds parallel tree construction; zero uses GOMAXPROCS.
	Workers int
}

func DefaultConfig() Config {
	return Config{
		Trees:         100,
		MaxSamples:    256,
		Contamination: 0.1,
		Seed:          42,
	}
}

// Forest is a fitted ensemble. It is safe for concurrent scoring after Fit.
type Forest struct {
	config     Config
	trees      []*node
	sampleSize int
	offset     float64
	fitted     bool
}

// New returns an unfitted forest.
func New(config Config) *Forest {
	if config.Trees <= 0 {
		config.Trees = 100
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = 256
	}
	return &Forest{config: config}
}

// Fit grows the trees on data and sets the contamination offset from the
// training scores. Each tree owns a generator derived from the seed and its
// index, so results do not depend on scheduling.
func (f *Forest) Fit(data [][]float64) error {
	if len(data) < 2 {
		return ErrTooFewSamples
	}
	width := len(data[0])
	for _, row := range data {
		if len(row) != width {
			return ErrRaggedInput
		}
	}
	if allIdentical(data) {
		return ErrDegenerateInput
	}

	psi := min(f.config.MaxSamples, len(data))
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))
	trees := make([]*node, f.config.Trees)

	workers := f.config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range trees {
		g.Go(func() error {
			r := rand.New(rand.NewPCG(f.config.Seed, uint64(i)))
			sample := r.Perm(len(data))[:psi]
			trees[i] = grow(data, sample, 0, maxDepth, r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to grow trees: %w", err)
	}

	f.trees = trees
	f.sampleSize = psi
	f.fitted = true

	scores, err := f.ScoreSamples(data)
	if err != nil {
		return err
	}
	f.offset = percentile(scores, 100*f.config.Contamination)
	return nil
}

// ScoreSamples returns -2^(-E[h(x)]/c(psi)) for each row. Lower is more abnormal.
func (f *Forest) ScoreSamples(data [][]float64) ([]float64, error) {
	if !f.fitted {
		return nil, ErrNotFitted
	}
	norm := averagePathLength(f.sampleSize)
	out := make([]float64, len(data))
	for i, x := range data {
		var total float64
		for _, t := range f.trees {
			total += t.pathLength(x, 0)
		}
		mean := total / float64(len(f.trees))
		out[i] = -math.Pow(2, -mean/norm)
	}
	return out, nil
}

// DecisionFunction returns ScoreSamples minus the contamination offset.
func (f *Forest) DecisionFunction(data [][]float64) ([]float64, error) {
	scores, err := f.ScoreSamples(data)
	if err != nil {
		return nil, err
	}
	for i := range scores {
		scores[i] -= f.offset
	}
	return scores, nil
}

// Predict labels each row: true for an outlier (decision < 0).
func (f *Forest) Predict(data [][]float64) ([]bool, error) {
	decision, err := f.DecisionFunction(data)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(decision))
	for i, d := range decision {
		out[i] = d < 0
	}
	return out, nil
}

// Offset is the score threshold chosen at fit time.
func (f *Forest) Offset() float64 {
	return f.offset
}

// averagePathLength is c(n), the mean unsuccessful-search path length of a
// binary search tree with n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	p = math.Max(0, math.Min(100, p))
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func allIdentical(data [][]float64) bool {
	first := data[0]
	for _, row := range data[1:] {
		for j, v := range row {
			if v != first[j] {
				return false
			}
		}
	}
	return true
}
