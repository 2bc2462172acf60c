package errplot

import (
	"errors"
	"math"
)

// ErrEmptyInput is returned when geometry is requested for an empty sample
// sequence: the minimum mean, and therefore the lower bound, is undefined.
var ErrEmptyInput = errors.New("no samples to build geometry from")

// Point is a scatter marker at (position, mean).
type Point struct {
	X float64
	Y float64
}

// Segment is the vertical error bar for one sample. Both X endpoints sit on
// the sample's position; the Y endpoints span [mean-error, mean+error].
type Segment struct {
	X [2]float64
	Y [2]float64
}

// Geometry holds everything a charting surface needs to draw a scatter plot
// with vertical error bars. It is rebuilt from scratch on every call to
// BuildGeometry and never mutated afterwards.
type Geometry struct {
	Positions           []int
	Points              []Point
	Segments            []Segment
	SuggestedLowerBound float64
}

// HoverSource is the tooltip data handed to charting collaborators alongside
// the geometry: one label/mean/error triple per sample, in position order.
type HoverSource struct {
	Labels []string
	Means  []float64
	Errors []float64
}

// BuildGeometry computes positions, scatter points, error bar segments and
// the suggested lower axis bound for an ordered sequence of samples. The
// position of a sample is its index in the sequence. The suggested lower
// bound is the minimum mean rounded down to a multiple of 10, or the prior
// bound if that is smaller.
//
// An empty sequence yields ErrEmptyInput; a sample with a negative or
// non-finite error value yields an InvalidErrorValueError.
func BuildGeometry(samples []Sample, priorLowerBound *float64) (Geometry, error) {
	if len(samples) == 0 {
		return Geometry{}, ErrEmptyInput
	}

	geo := Geometry{
		Positions: make([]int, len(samples)),
		Points:    make([]Point, len(samples)),
		Segments:  make([]Segment, len(samples)),
	}

	minMean := math.Inf(1)

	for i, sample := range samples {
		if sample.Error < 0 || math.IsNaN(sample.Error) || math.IsInf(sample.Error, 0) {
			return Geometry{}, &InvalidErrorValueError{Label: sample.Label, Value: sample.Error}
		}

		x := float64(i)
		geo.Positions[i] = i
		geo.Points[i] = Point{X: x, Y: sample.Mean}
		geo.Segments[i] = Segment{
			X: [2]float64{x, x},
			Y: [2]float64{sample.Mean - sample.Error, sample.Mean + sample.Error},
		}

		minMean = Min(minMean, sample.Mean)
	}

	geo.SuggestedLowerBound = math.Floor(minMean/10) * 10
	if priorLowerBound != nil {
		geo.SuggestedLowerBound = Min(*priorLowerBound, geo.SuggestedLowerBound)
	}

	return geo, nil
}

// BuildHoverSource extracts the hover triples for a sequence of samples.
func BuildHoverSource(samples []Sample) HoverSource {
	hover := HoverSource{
		Labels: make([]string, len(samples)),
		Means:  make([]float64, len(samples)),
		Errors: make([]float64, len(samples)),
	}

	for i, sample := range samples {
		hover.Labels[i] = sample.Label
		hover.Means[i] = sample.Mean
		hover.Errors[i] = sample.Error
	}

	return hover
}
