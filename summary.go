package errplot

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// ErrorMode selects how the error value of an aggregated sample is derived
// from its observations.
type ErrorMode string

const (
	// ErrorStdErr is the standard error of the mean: the sample standard
	// deviation divided by sqrt(n). This is the default.
	ErrorStdErr ErrorMode = "stderr"

	// ErrorStdDev is the sample standard deviation.
	ErrorStdDev ErrorMode = "stddev"
)

// An Aggregator folds repeated (label, value) observations into one Sample
// per label: the mean of the observed values plus an error derived per the
// configured ErrorMode. Labels keep the order of their first appearance so
// aggregated samples have stable positions.
//
// Not safe for concurrent use. The reading pipeline drives it from a single
// goroutine.
type Aggregator struct {
	mode   ErrorMode
	order  []string
	values map[string][]float64
}

func NewAggregator(mode ErrorMode) (*Aggregator, error) {
	if mode == "" {
		mode = ErrorStdErr
	}

	if mode != ErrorStdErr && mode != ErrorStdDev {
		return nil, fmt.Errorf("unknown error mode %q", mode)
	}

	return &Aggregator{
		mode:   mode,
		values: make(map[string][]float64),
	}, nil
}

// Observe records one raw observation for label.
func (a *Aggregator) Observe(label string, value float64) {
	if _, ok := a.values[label]; !ok {
		a.order = append(a.order, label)
	}

	a.values[label] = append(a.values[label], value)
}

// SampleFor computes the aggregated sample for one label.
func (a *Aggregator) SampleFor(label string) (Sample, error) {
	values, ok := a.values[label]
	if !ok {
		return Sample{}, fmt.Errorf("no observations for label %q", label)
	}

	mean, err := stats.Mean(stats.Float64Data(values))
	if err != nil {
		return Sample{}, fmt.Errorf("mean of %q: %w", label, err)
	}

	return NewSample(label, mean, a.errorValue(values))
}

// Samples computes the aggregated samples for all labels, in first
// appearance order.
func (a *Aggregator) Samples() ([]Sample, error) {
	out := make([]Sample, 0, len(a.order))

	for _, label := range a.order {
		s, err := a.SampleFor(label)
		if err != nil {
			return nil, err
		}

		out = append(out, s)
	}

	return out, nil
}

// A single observation has no spread, so its error is 0 in both modes.
func (a *Aggregator) errorValue(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	sd, err := stats.StandardDeviationSample(stats.Float64Data(values))
	if err != nil {
		return 0
	}

	if a.mode == ErrorStdDev {
		return sd
	}

	return sd / math.Sqrt(float64(len(values)))
}
