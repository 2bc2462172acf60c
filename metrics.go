package errplot

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	samplesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "errplot_samples_read_total",
		Help: "Number of samples accepted from the input stream.",
	})

	rowsIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "errplot_rows_ignored_total",
		Help: "Number of input rows skipped because they could not be parsed or validated.",
	})

	geometryRebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "errplot_geometry_rebuilds_total",
		Help: "Number of times the error bar geometry has been rebuilt.",
	})

	websocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "errplot_websocket_clients",
		Help: "Number of currently connected websocket clients.",
	})
)

func init() {
	prometheus.MustRegister(samplesRead, rowsIgnored, geometryRebuilds, websocketClients)
}
