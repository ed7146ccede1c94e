package queriers

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Mechanism noise sampling shared by the backends. The source is seeded
// once per process; DP noise must not be reproducible across queries.
var (
	noiseMu  sync.Mutex
	noiseRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// laplace draws from Laplace(0, scale) by inverse CDF.
func laplace(scale float64) float64 {
	noiseMu.Lock()
	u := noiseRNG.Float64() - 0.5
	noiseMu.Unlock()

	if u < 0 {
		return scale * math.Log(1+2*u)
	}
	return -scale * math.Log(1-2*u)
}

// gaussian draws from N(0, sigma^2).
func gaussian(sigma float64) float64 {
	noiseMu.Lock()
	defer noiseMu.Unlock()
	return noiseRNG.NormFloat64() * sigma
}

// gaussianSigma is the analytic Gaussian mechanism scale for sensitivity,
// epsilon and delta.
func gaussianSigma(sensitivity, epsilon, delta float64) float64 {
	if delta <= 0 || delta >= 1 {
		delta = 1e-5
	}
	return sensitivity * math.Sqrt(2*math.Log(1.25/delta)) / epsilon
}

// uniform draws from [0, 1).
func uniform() float64 {
	noiseMu.Lock()
	defer noiseMu.Unlock()
	return noiseRNG.Float64()
}
