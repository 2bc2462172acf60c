package errplot

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

const (
	defaultChartWidth  = 900
	defaultChartHeight = 500
)

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// parseMarkerColor parses "#RRGGBB" or "#RRGGBBAA" hex colors, with or
// without the leading hash. Malformed input falls back to black.
func parseMarkerColor(hash string) color.RGBA {
	if strings.HasPrefix(hash, "#") {
		hash = hash[1:]
	}

	c := color.RGBA{A: 255}
	if len(hash) != 6 && len(hash) != 8 {
		return c
	}

	cs := []*uint8{&c.R, &c.G, &c.B, &c.A}
	for i := 0; i < len(hash); i += 2 {
		ui, err := strconv.ParseUint(hash[i:i+2], 16, 8)
		if err != nil {
			return c
		}
		*cs[i/2] = uint8(ui)
	}

	return c
}

func markerColorOrDefault(opts ChartOptions) string {
	if opts.MarkerColor == "" {
		return DefaultMarkerColor
	}
	return opts.MarkerColor
}

func chartDimensions(opts ChartOptions) (int, int) {
	width, height := opts.Width, opts.Height
	if width <= 0 {
		width = defaultChartWidth
	}
	if height <= 0 {
		height = defaultChartHeight
	}
	return width, height
}

// pointStyle returns a style that renders points only (no connecting line)
func pointStyle(col drawing.Color) chart.Style {
	return chart.Style{
		StrokeWidth: 0,
		DotWidth:    4,
		DotColor:    col,
	}
}

// RenderChartPNG maps a geometry snapshot onto go-chart and writes the
// rendered PNG to w: one dot-only scatter series for the markers, one thin
// two-point series per error bar, x ticks labeled with the sample labels and
// the y range starting at the suggested lower bound. The suggested bound
// already folds in any configured prior, so the options' YMin is not
// consulted here.
func RenderChartPNG(data GeometryUpdateData, opts ChartOptions, w io.Writer) error {
	n := len(data.Geometry.Points)
	if n == 0 {
		return ErrEmptyInput
	}

	rgba := parseMarkerColor(markerColorOrDefault(opts))
	markerCol := drawing.Color{R: rgba.R, G: rgba.G, B: rgba.B, A: rgba.A}

	// Error bars first so the markers draw on top of them.
	series := make([]chart.Series, 0, n+1)
	for _, segment := range data.Geometry.Segments {
		if !isFinite(segment.Y[0]) || !isFinite(segment.Y[1]) {
			continue
		}

		series = append(series, chart.ContinuousSeries{
			XValues: []float64{segment.X[0], segment.X[1]},
			YValues: []float64{segment.Y[0], segment.Y[1]},
			Style: chart.Style{
				StrokeWidth: 0.5,
				StrokeColor: markerCol,
			},
		})
	}

	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for _, point := range data.Geometry.Points {
		if !isFinite(point.Y) {
			continue
		}
		xs = append(xs, point.X)
		ys = append(ys, point.Y)
	}

	if len(xs) == 1 {
		// Pad to at least two values per series for go-chart
		xs = append(xs, xs[0])
		ys = append(ys, ys[0])
	}

	if len(xs) > 0 {
		series = append(series, chart.ContinuousSeries{
			Name:    "mean",
			XValues: xs,
			YValues: ys,
			Style:   pointStyle(markerCol),
		})
	}

	if len(series) == 0 {
		return fmt.Errorf("no drawable samples: all means are non-finite")
	}

	// One tick per position, labeled with the sample label. The range is
	// padded by half a position so n=1 still renders with non-zero width.
	ticks := make([]chart.Tick, 0, n+1)
	for i, label := range data.Hover.Labels {
		ticks = append(ticks, chart.Tick{Value: float64(i), Label: label})
	}
	minR := -0.5
	maxR := float64(n) - 0.5
	if n == 1 {
		maxR = 1.0
		ticks = append(ticks, chart.Tick{Value: 1, Label: ""})
	}

	yMin := data.Geometry.SuggestedLowerBound
	yMax := chartUpperBound(data.Geometry, yMin)
	if opts.YMax != nil {
		yMax = *opts.YMax
	}

	width, height := chartDimensions(opts)

	ch := chart.Chart{
		Title:  opts.Title,
		Width:  width,
		Height: height,
		Background: chart.Style{
			Padding: chart.Box{Top: 20, Left: 20, Right: 20, Bottom: 20},
		},
		XAxis: chart.XAxis{
			Name:  opts.XLabel,
			Ticks: ticks,
			Range: &chart.ContinuousRange{Min: minR, Max: maxR},
		},
		YAxis: chart.YAxis{
			Name:  opts.YLabel,
			Range: &chart.ContinuousRange{Min: yMin, Max: yMax},
		},
		Series: series,
	}

	return ch.Render(chart.PNG, w)
}

// chartUpperBound picks a y axis maximum above the tallest error bar, with a
// small margin. Non-finite endpoints are skipped.
func chartUpperBound(geo Geometry, yMin float64) float64 {
	maxHigh := math.Inf(-1)
	for _, segment := range geo.Segments {
		if isFinite(segment.Y[1]) && segment.Y[1] > maxHigh {
			maxHigh = segment.Y[1]
		}
	}

	if maxHigh <= yMin {
		maxHigh = yMin + 1
	}

	pad := (maxHigh - yMin) * 0.05
	if pad <= 0 {
		pad = 1
	}

	return maxHigh + pad
}
