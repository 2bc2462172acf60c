package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/cactusdynamics/errplot"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// Config holds the configuration for the WS reader
type Config struct {
	ServerURL string
	Output    io.Writer
	Logger    logrus.FieldLogger
}

// WSReader reads from an errplot WS2 endpoint and outputs CSV data
type WSReader struct {
	config    Config
	csvWriter *csv.Writer

	// The labels for the current geometry arrive in a HOVER message right
	// before the GEOMETRY message they describe.
	hover errplot.HoverSource
}

// NewWSReader creates a new WS reader with the given configuration
func NewWSReader(config Config) *WSReader {
	return &WSReader{
		config:    config,
		csvWriter: csv.NewWriter(config.Output),
	}
}

// Connect establishes the websocket connection and processes messages
func (w *WSReader) Connect() error {
	u, err := url.Parse(w.config.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	// Change scheme to websocket
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	// Add /ws2 endpoint
	u.Path = "/ws2"

	w.config.Logger.WithField("url", u.String()).Info("connecting to websocket")

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Write CSV header
	if err := w.csvWriter.Write([]string{"seq", "label", "position", "mean", "low", "high"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for {
		_, messageData, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				w.config.Logger.Info("connection closed normally")
				break
			}
			w.config.Logger.WithError(err).Error("error reading message")
			break
		}

		if err := w.processMessage(messageData); err != nil {
			if err == io.EOF {
				w.config.Logger.Info("stream ended")
				break
			}
			w.config.Logger.WithError(err).Error("error processing message")
		}
	}

	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

// processMessage processes a single websocket message
func (w *WSReader) processMessage(messageData []byte) error {
	msg, err := errplot.DecodeWSMessage(messageData)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	switch msg.Header.Type {
	case errplot.MessageTypeGeometry:
		geometryMsg, ok := msg.Payload.(errplot.GeometryMessage)
		if !ok {
			return fmt.Errorf("invalid GEOMETRY message payload type: %T", msg.Payload)
		}
		return w.processGeometryMessage(geometryMsg)

	case errplot.MessageTypeHover:
		hover, ok := msg.Payload.(errplot.HoverSource)
		if !ok {
			return fmt.Errorf("invalid HOVER message payload type: %T", msg.Payload)
		}
		w.hover = hover

	case errplot.MessageTypeMetadata:
		metadata, ok := msg.Payload.(errplot.Metadata)
		if !ok {
			return fmt.Errorf("invalid METADATA message payload type: %T", msg.Payload)
		}
		w.config.Logger.WithField("metadata", fmt.Sprintf("%+v", metadata)).Debug("received metadata")

	case errplot.MessageTypeStreamEnd:
		streamEnd, ok := msg.Payload.(errplot.StreamEndMessage)
		if !ok {
			return fmt.Errorf("invalid STREAM_END message payload type: %T", msg.Payload)
		}
		if streamEnd.Error {
			w.config.Logger.WithField("message", streamEnd.Msg).Error("stream ended with error")
		} else {
			w.config.Logger.Info("stream ended successfully")
		}
		return io.EOF // Signal end of stream

	default:
		w.config.Logger.Warnf("unknown message type: 0x%02x", msg.Header.Type)
	}

	return nil
}

// processGeometryMessage writes one CSV row per sample in the snapshot. Each
// snapshot is the complete picture, so consumers wanting only the final state
// should keep the rows of the highest seq.
func (w *WSReader) processGeometryMessage(msg errplot.GeometryMessage) error {
	seq := strconv.FormatUint(msg.Seq, 10)

	for i := 0; i < len(msg.X); i++ {
		var label string
		if i < len(w.hover.Labels) {
			label = w.hover.Labels[i]
		}

		row := []string{
			seq,
			label,
			strconv.FormatFloat(msg.X[i], 'g', -1, 64),
			strconv.FormatFloat(msg.Y[i], 'g', -1, 64),
			strconv.FormatFloat(msg.YLow[i], 'g', -1, 64),
			strconv.FormatFloat(msg.YHigh[i], 'g', -1, 64),
		}
		if err := w.csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

func main() {
	var serverURL = flag.String("url", "http://localhost:5274", "URL of the errplot server")
	var verbose = flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	config := Config{
		ServerURL: *serverURL,
		Output:    os.Stdout,
		Logger:    logger,
	}

	reader := NewWSReader(config)
	if err := reader.Connect(); err != nil {
		config.Logger.WithError(err).Error("failed to connect")
		os.Exit(1)
	}
}
