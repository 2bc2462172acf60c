package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/cactusdynamics/errplot"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Host string `long:"host" description:"the host the server listens on" default:"0.0.0.0"`
	Port uint16 `short:"p" long:"port" description:"the port the server listens on" default:"5274"`

	Title       string   `short:"t" long:"title" description:"the title of the chart" default:"errplot"`
	XLabel      string   `long:"xlabel" description:"the x axis label"`
	YLabel      string   `long:"ylabel" description:"the y axis label"`
	Width       int      `long:"width" description:"the chart width in pixels" default:"900"`
	Height      int      `long:"height" description:"the chart height in pixels" default:"500"`
	MarkerColor string   `long:"marker-color" description:"the marker color as a hex string" default:"#4080A0"`
	YMin        *float64 `long:"ymin" description:"a prior lower bound for the y axis, folded into the suggested bound"`
	YMax        *float64 `long:"ymax" description:"the upper bound for the y axis"`

	Aggregate bool   `short:"a" long:"aggregate" description:"treat input rows as raw observations (label value) and aggregate them into mean and error"`
	ErrorMode string `long:"error-mode" description:"how the error of an aggregated sample is derived" choice:"stderr" choice:"stddev" default:"stderr"`
	StrictCSV bool   `long:"strict-csv" description:"parse input as strict CSV instead of splitting on whitespace or commas"`
	Tee       bool   `long:"tee" description:"echo accepted samples to stdout as label,mean,error"`

	FlushInterval time.Duration `long:"flush-interval" description:"how often geometry updates are flushed to websocket clients" default:"250ms"`
	Output        string        `short:"o" long:"output" description:"write the final chart to this PNG file once the input stream ends"`
	Verbose       bool          `short:"v" long:"verbose" description:"enable debug logging"`
}

func main() {
	opts := Options{}
	_, err := flags.Parse(&opts)
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	chartOptions := errplot.ChartOptions{
		Title:       opts.Title,
		XLabel:      opts.XLabel,
		YLabel:      opts.YLabel,
		Width:       opts.Width,
		Height:      opts.Height,
		MarkerColor: opts.MarkerColor,
		YMin:        opts.YMin,
		YMax:        opts.YMax,
	}

	metadata := errplot.Metadata{
		Aggregated:   opts.Aggregate,
		ErrorMode:    opts.ErrorMode,
		ChartOptions: chartOptions,
	}

	var stringReader errplot.StringReader
	if opts.StrictCSV {
		stringReader = errplot.NewCsvStringReader(os.Stdin)
	} else {
		stringReader = errplot.NewRelaxedStringReader(os.Stdin)
	}

	var sampleReader errplot.SampleReader
	if opts.Aggregate {
		sampleReader, err = errplot.NewAggregatingSampleReader(stringReader, errplot.ErrorMode(opts.ErrorMode))
		if err != nil {
			logrus.WithError(err).Fatal("cannot set up aggregation")
		}
	} else {
		sampleReader = &errplot.TextToSampleReader{Input: stringReader}
	}

	var teeOutput io.Writer
	if opts.Tee {
		teeOutput = os.Stdout
	}

	broadcaster := errplot.NewGeometryBroadcaster(sampleReader, opts.YMin, teeOutput)
	broadcaster.Start(context.Background())

	server := errplot.NewHttpServer(broadcaster, opts.Host, opts.Port, metadata, opts.FlushInterval)
	go func() {
		logrus.Fatal(server.Run())
	}()

	broadcaster.Wait()

	if opts.Output != "" {
		exportChart(broadcaster, chartOptions, opts.Output)
	}

	// Keep serving after the stream ends so the final chart stays available.
	select {}
}

func exportChart(broadcaster *errplot.GeometryBroadcaster, chartOptions errplot.ChartOptions, path string) {
	data, ok := broadcaster.LatestUpdate()
	if !ok {
		logrus.Warn("no samples were read, not writing an output file")
		return
	}

	f, err := os.Create(path)
	if err != nil {
		logrus.WithError(err).Fatal("cannot create output file")
	}

	if err := errplot.RenderPlotPNG(data, chartOptions, f); err != nil {
		f.Close()
		logrus.WithError(err).Fatal("cannot render output file")
	}

	if err := f.Close(); err != nil {
		logrus.WithError(err).Fatal("cannot write output file")
	}

	logrus.Infof("wrote final chart to %s", path)
}
