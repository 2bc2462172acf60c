package errplot

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// The pipeline starts with an io.Reader (likely reading stdin). A
// StringReader splits the text into columns, which a SampleReader turns into
// validated Samples. The GeometryBroadcaster consumes the samples, rebuilds
// the error bar geometry after each one, and emits it to the websockets.

var errIgnoreThisRow = errors.New("ignore this row")

// When Read is called, return an array of strings which are the columns.
type StringReader interface {
	Read(context.Context) ([]string, error)
}

// When Read is called, return the next Sample.
type SampleReader interface {
	Read(context.Context) (Sample, error)
}

// CsvStringReader reads an io.Reader using the Golang csv module. This means
// the input data must strictly conform to CSV. If the input is not exactly
// CSV (for example separated by one or more spaces), use the
// RelaxedStringReader.
type CsvStringReader struct {
	input     io.Reader
	csvReader *csv.Reader

	lineCount int
}

func NewCsvStringReader(input io.Reader) *CsvStringReader {
	csvReader := csv.NewReader(input)

	// Rows are label,mean,error or label,value; the per-row parsers deal with
	// the column count.
	csvReader.FieldsPerRecord = -1

	return &CsvStringReader{
		input:     input,
		csvReader: csvReader,
		lineCount: 0,
	}
}

func (r *CsvStringReader) Read(ctx context.Context) ([]string, error) {
	line, err := r.csvReader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}

	r.lineCount++

	if err != nil {
		logger := logrus.WithFields(logrus.Fields{
			"tag":     "CsvString",
			"line":    line,
			"lineNum": r.lineCount,
		})

		switch err.(type) {
		case *csv.ParseError:
			logger.WithError(err).Debug("unable to parse CSV, ignoring...")
			return nil, errIgnoreThisRow
		default:
			logger.WithError(err).Error("unable to read CSV")
			return nil, err
		}
	}

	return line, nil
}

// RelaxedStringReader is a more relaxed reader that can split on spaces or
// commas. It does not follow strict CSV formatting. This is the default.
type RelaxedStringReader struct {
	input   io.Reader
	scanner *bufio.Scanner

	lineCount int
}

func NewRelaxedStringReader(input io.Reader) *RelaxedStringReader {
	return &RelaxedStringReader{
		input:   input,
		scanner: bufio.NewScanner(input),

		lineCount: 0,
	}
}

// Split on either comma or any number of spaces or tabs
var relaxedSplitter = regexp.MustCompile("[ \t]+|,")

func (r *RelaxedStringReader) Read(ctx context.Context) ([]string, error) {
	stillHasData := r.scanner.Scan()
	if !stillHasData {
		return nil, io.EOF
	}

	r.lineCount++

	line := r.scanner.Text()
	err := r.scanner.Err()
	if err != nil {
		logrus.WithField("tag", "RelaxedString").WithError(err).Error("unable to read line")
		return nil, err
	}

	// Return only non-empty fields
	splittedLine := Filter(relaxedSplitter.Split(line, -1), func(value string) bool {
		return len(value) > 0
	})

	return splittedLine, nil
}

// SequentialLabel generates labels s0, s1, s2, ... for rows that carry no
// label of their own.
func SequentialLabel(n int) string {
	return fmt.Sprintf("s%d", n)
}

// TextToSampleReader converts text rows into Samples. Rows are either
// "label,mean,error" or "mean,error"; in the latter case the label is
// generated. Unrecognized or unparsable rows are ignored and logged via
// warnings so a live stream survives bad input.
type TextToSampleReader struct {
	// The input reader object (either CsvStringReader or RelaxedStringReader)
	Input StringReader

	// The generator for labels of two-column rows. Defaults to
	// SequentialLabel.
	LabelGenerator func(int) string

	lineCount       int
	generatedLabels int
}

func (r *TextToSampleReader) Read(ctx context.Context) (Sample, error) {
	line, err := r.Input.Read(ctx)
	if err != nil {
		return Sample{}, err
	}

	r.lineCount++

	logger := logrus.WithFields(logrus.Fields{
		"tag":  "TextToSample",
		"line": line,
	})

	var labelField, meanField, errorField string

	switch len(line) {
	case 3:
		labelField, meanField, errorField = line[0], line[1], line[2]
	case 2:
		meanField, errorField = line[0], line[1]
	default:
		logger.Warnf("expected 2 or 3 columns, observed %d, ignoring...", len(line))
		rowsIgnored.Inc()
		return Sample{}, errIgnoreThisRow
	}

	mean, err := strconv.ParseFloat(strings.TrimSpace(meanField), 64)
	if err != nil {
		// The first row of a tabular stream is frequently a header.
		if r.lineCount == 1 {
			logger.Debug("cannot parse first row, assuming it is a header...")
		} else {
			logger.Warn("cannot parse mean, ignoring...")
		}
		rowsIgnored.Inc()
		return Sample{}, errIgnoreThisRow
	}

	errValue, err := strconv.ParseFloat(strings.TrimSpace(errorField), 64)
	if err != nil {
		logger.Warn("cannot parse error value, ignoring...")
		rowsIgnored.Inc()
		return Sample{}, errIgnoreThisRow
	}

	var label string
	if labelField != "" {
		label = strings.TrimSpace(labelField)
	} else {
		labelGenerator := r.LabelGenerator
		if labelGenerator == nil {
			labelGenerator = SequentialLabel
		}

		label = labelGenerator(r.generatedLabels)
	}

	sample, err := NewSample(label, mean, errValue)
	if err != nil {
		logger.WithError(err).Warn("invalid sample, ignoring...")
		rowsIgnored.Inc()
		return Sample{}, errIgnoreThisRow
	}

	if labelField == "" {
		r.generatedLabels++
	}

	return sample, nil
}

// Observations without a label aggregate under this shared series label.
const defaultObservationLabel = "data"

// AggregatingSampleReader converts raw observation rows into aggregated
// Samples. Rows are either "label,value" or a bare "value" (which aggregates
// under a shared label). After every accepted observation it emits the
// refreshed Sample for that label, so downstream consumers always see the
// up-to-date mean and error.
type AggregatingSampleReader struct {
	input      StringReader
	aggregator *Aggregator

	lineCount int
}

func NewAggregatingSampleReader(input StringReader, mode ErrorMode) (*AggregatingSampleReader, error) {
	aggregator, err := NewAggregator(mode)
	if err != nil {
		return nil, err
	}

	return &AggregatingSampleReader{
		input:      input,
		aggregator: aggregator,
	}, nil
}

func (r *AggregatingSampleReader) Read(ctx context.Context) (Sample, error) {
	line, err := r.input.Read(ctx)
	if err != nil {
		return Sample{}, err
	}

	r.lineCount++

	logger := logrus.WithFields(logrus.Fields{
		"tag":  "AggregatingSample",
		"line": line,
	})

	var label, valueField string

	switch len(line) {
	case 2:
		label, valueField = strings.TrimSpace(line[0]), line[1]
	case 1:
		label, valueField = defaultObservationLabel, line[0]
	default:
		logger.Warnf("expected 1 or 2 columns, observed %d, ignoring...", len(line))
		rowsIgnored.Inc()
		return Sample{}, errIgnoreThisRow
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(valueField), 64)
	if err != nil {
		if r.lineCount == 1 {
			logger.Debug("cannot parse first row, assuming it is a header...")
		} else {
			logger.Warn("cannot parse observation value, ignoring...")
		}
		rowsIgnored.Inc()
		return Sample{}, errIgnoreThisRow
	}

	r.aggregator.Observe(label, value)

	sample, err := r.aggregator.SampleFor(label)
	if err != nil {
		// Non-finite observations can make the spread incomputable.
		logger.WithError(err).Warn("cannot aggregate observation, ignoring...")
		rowsIgnored.Inc()
		return Sample{}, errIgnoreThisRow
	}

	return sample, nil
}
