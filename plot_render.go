package errplot

import (
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// verticalSegment presents one error bar to gonum as its two endpoints.
type verticalSegment struct {
	X float64
	Y [2]float64
}

func (v verticalSegment) Len() int { return 2 }

func (v verticalSegment) XY(i int) (float64, float64) {
	return v.X, v.Y[i]
}

// RenderPlotPNG renders the same picture as RenderChartPNG via gonum/plot,
// which is the backend used for file export. One line plotter per error bar,
// a circle-glyph scatter for the means, labeled ticks at each position.
func RenderPlotPNG(data GeometryUpdateData, opts ChartOptions, w io.Writer) error {
	n := len(data.Geometry.Points)
	if n == 0 {
		return ErrEmptyInput
	}

	markerCol := parseMarkerColor(markerColorOrDefault(opts))

	p := plot.New()
	p.Title.Text = opts.Title
	p.X.Label.Text = opts.XLabel
	p.Y.Label.Text = opts.YLabel

	for _, segment := range data.Geometry.Segments {
		if !isFinite(segment.Y[0]) || !isFinite(segment.Y[1]) {
			continue
		}

		line, err := plotter.NewLine(verticalSegment{X: segment.X[0], Y: segment.Y})
		if err != nil {
			return fmt.Errorf("cannot build error bar at x=%v: %w", segment.X[0], err)
		}
		line.LineStyle.Width = vg.Points(0.5)
		line.LineStyle.Color = markerCol
		p.Add(line)
	}

	xys := make(plotter.XYs, 0, n)
	for _, point := range data.Geometry.Points {
		if !isFinite(point.Y) {
			continue
		}
		xys = append(xys, plotter.XY{X: point.X, Y: point.Y})
	}

	if len(xys) > 0 {
		scatter, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("cannot build scatter: %w", err)
		}
		scatter.GlyphStyle = draw.GlyphStyle{
			Color:  markerCol,
			Radius: vg.Points(2.5),
			Shape:  draw.CircleGlyph{},
		}
		p.Add(scatter)
	}

	ticks := make([]plot.Tick, n)
	for i, label := range data.Hover.Labels {
		ticks[i] = plot.Tick{Value: float64(i), Label: label}
	}
	p.X.Tick.Marker = plot.ConstantTicks(ticks)
	p.X.Min = -0.5
	p.X.Max = float64(n) - 0.5

	// Set after Add so the automatic data range does not win.
	p.Y.Min = data.Geometry.SuggestedLowerBound
	if opts.YMax != nil {
		p.Y.Max = *opts.YMax
	}

	// Option sizes are pixels, vg lengths are points. Convert at the raster
	// DPI so the written PNG comes out at the requested pixel size.
	width, height := chartDimensions(opts)
	canvasW := vg.Length(width) * vg.Inch / vgimg.DefaultDPI
	canvasH := vg.Length(height) * vg.Inch / vgimg.DefaultDPI

	wt, err := p.WriterTo(canvasW, canvasH, "png")
	if err != nil {
		return fmt.Errorf("cannot render plot: %w", err)
	}

	_, err = wt.WriteTo(w)
	return err
}
