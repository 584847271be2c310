package risk

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// VaRMethod selects the estimation technique.
type VaRMethod string

const (
	VaRHistorical VaRMethod = "historical"
	VaRMonteCarlo VaRMethod = "monte_carlo"
)

// VaRConfig tunes the estimator.
type VaRConfig struct {
	Method     VaRMethod
	Confidence float64 // e.g. 0.95
	// Paths is the Monte Carlo sample count; ignored for historical.
	Paths int
	// Seed fixes the Monte Carlo RNG; zero means nondeterministic.
	Seed uint64
}

// DefaultVaRConfig returns the standard 95% historical estimator.
func DefaultVaRConfig() VaRConfig {
	return VaRConfig{Method: VaRHistorical, Confidence: 0.95, Paths: 10000}
}

// EstimateVaR returns the value-at-risk fraction (a positive loss fraction,
// e.g. 0.031 for a 3.1% worst expected loss) for a series of periodic returns.
// An empty series yields zero.
func EstimateVaR(returns []float64, cfg VaRConfig) (float64, error) {
	if len(returns) == 0 {
		return 0, nil
	}
	switch cfg.Method {
	case VaRHistorical, "":
		return historicalVaR(returns, cfg.Confidence), nil
	case VaRMonteCarlo:
		return monteCarloVaR(returns, cfg), nil
	default:
		return 0, fmt.Errorf("unknown VaR method %q", cfg.Method)
	}
}

// historicalVaR takes the empirical loss quantile of the observed returns.
func historicalVaR(returns []float64, confidence float64) float64 {
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	q := stat.Quantile(1-confidence, stat.Empirical, sorted, nil)
	if q >= 0 {
		return 0
	}
	return -q
}

// monteCarloVaR fits a normal distribution to the observed returns and takes
// the loss quantile over simulated paths.
func monteCarloVaR(returns []float64, cfg VaRConfig) float64 {
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 {
		return 0
	}

	paths := cfg.Paths
	if paths <= 0 {
		paths = 10000
	}

	dist := distuv.Normal{Mu: mean, Sigma: std}
	if cfg.Seed != 0 {
		dist.Src = rand.NewSource(cfg.Seed)
	}

	simulated := make([]float64, paths)
	for i := range simulated {
		simulated[i] = dist.Rand()
	}
	sort.Float64s(simulated)

	q := stat.Quantile(1-cfg.Confidence, stat.Empirical, simulated, nil)
	if q >= 0 {
		return 0
	}
	return -q
}
