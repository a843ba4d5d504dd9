package hnsw

import "github.com/draco28/PulseDB/distance"

const (
	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size during
	// insertion.
	DefaultEFConstruction = 100

	// DefaultEFSearch is the default candidate list size during search.
	DefaultEFSearch = 50

	// mmax0Multiplier scales the connection cap at layer 0.
	mmax0Multiplier = 2

	minimumM = 2
)

// Options configures an index.
type Options struct {
	Dimension      int
	M              int
	EFConstruction int
	EFSearch       int
	Metric         distance.Metric

	// RandomSeed is not read: node layers are always derived from a hash of
	// the internal node id, so graphs are deterministic without it.
	RandomSeed *int64
}

// DefaultOptions contains the default options for an index.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Metric:         distance.MetricCosine,
}

// Params holds the scale-dependent graph parameters.
type Params struct {
	M              int
	EFConstruction int
	EFSearch       int
}

// ParamsForScale returns the recommended parameters for an expected
// collective size.
func ParamsForScale(n int) Params {
	switch {
	case n <= 10_000:
		return Params{M: 16, EFConstruction: 100, EFSearch: 50}
	case n <= 100_000:
		return Params{M: 16, EFConstruction: 200, EFSearch: 100}
	case n <= 1_000_000:
		return Params{M: 24, EFConstruction: 200, EFSearch: 150}
	default:
		return Params{M: 32, EFConstruction: 400, EFSearch: 200}
	}
}
