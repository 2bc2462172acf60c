package errplot

import (
	"fmt"
	"math"
)

// A Sample is one labeled (mean, error) observation. The error is the half
// length of the vertical bar drawn through the mean and must be
// non-negative.
type Sample struct {
	Label string
	Mean  float64
	Error float64
}

// LengthMismatchError is returned when the parallel label/mean/error
// sequences passed to FromColumns have different lengths.
type LengthMismatchError struct {
	Labels int
	Means  int
	Errors int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("mismatched column lengths: %d labels, %d means, %d errors", e.Labels, e.Means, e.Errors)
}

// InvalidErrorValueError is returned when a sample's error value is negative
// or not finite. A negative error would invert the bar.
type InvalidErrorValueError struct {
	Label string
	Value float64
}

func (e *InvalidErrorValueError) Error() string {
	return fmt.Sprintf("sample %q: invalid error value %v", e.Label, e.Value)
}

// NewSample validates the error value and constructs a Sample. Mean values
// are passed through untouched.
func NewSample(label string, mean float64, errValue float64) (Sample, error) {
	if errValue < 0 || math.IsNaN(errValue) || math.IsInf(errValue, 0) {
		return Sample{}, &InvalidErrorValueError{Label: label, Value: errValue}
	}

	return Sample{Label: label, Mean: mean, Error: errValue}, nil
}

// A Dataset is an ordered collection of samples. Order is significant: the
// index of a sample defines its x position. Labels are unique within a
// dataset, so upserting a label that is already present replaces that sample
// without moving it.
type Dataset struct {
	samples      []Sample
	indexByLabel map[string]int
}

func NewDataset(samples ...Sample) (*Dataset, error) {
	d := &Dataset{
		indexByLabel: make(map[string]int),
	}

	for _, s := range samples {
		validated, err := NewSample(s.Label, s.Mean, s.Error)
		if err != nil {
			return nil, err
		}

		d.Upsert(validated)
	}

	return d, nil
}

// FromColumns builds a Dataset from three parallel sequences: labels, means,
// and error values. The sequences must have the same length.
func FromColumns(labels []string, means []float64, errValues []float64) (*Dataset, error) {
	if len(labels) != len(means) || len(labels) != len(errValues) {
		return nil, &LengthMismatchError{Labels: len(labels), Means: len(means), Errors: len(errValues)}
	}

	d := &Dataset{
		samples:      make([]Sample, 0, len(labels)),
		indexByLabel: make(map[string]int),
	}

	for i := range labels {
		s, err := NewSample(labels[i], means[i], errValues[i])
		if err != nil {
			return nil, err
		}

		d.Upsert(s)
	}

	return d, nil
}

// Upsert inserts s at the end of the dataset, or replaces the existing
// sample with the same label in place. Samples should be constructed via
// NewSample so the error value is validated.
func (d *Dataset) Upsert(s Sample) {
	if d.indexByLabel == nil {
		d.indexByLabel = make(map[string]int)
	}

	if i, ok := d.indexByLabel[s.Label]; ok {
		d.samples[i] = s
		return
	}

	d.indexByLabel[s.Label] = len(d.samples)
	d.samples = append(d.samples, s)
}

// Samples returns a copy of the samples in position order.
func (d *Dataset) Samples() []Sample {
	out := make([]Sample, len(d.samples))
	copy(out, d.samples)
	return out
}

func (d *Dataset) Len() int {
	return len(d.samples)
}
