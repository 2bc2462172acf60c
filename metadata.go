package errplot

// DefaultMarkerColor is the marker color used when none is configured.
const DefaultMarkerColor = "#4080A0"

// ChartOptions carries the styling parameters handed to charting surfaces
// alongside the geometry. YMin doubles as the prior lower axis bound fed to
// the geometry builder.
type ChartOptions struct {
	Title       string
	XLabel      string
	YLabel      string
	Width       int
	Height      int
	MarkerColor string
	YMin        *float64 `json:",omitempty"`
	YMax        *float64 `json:",omitempty"`
}

// Metadata describes the running pipeline to clients.
type Metadata struct {
	Aggregated   bool
	ErrorMode    string
	ChartOptions ChartOptions
}
