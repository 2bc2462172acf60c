package errplot

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const bufferSize = 10000

// StreamEndedMessage is the /errors response document.
type StreamEndedMessage struct {
	StreamEnded bool
	StreamError string
}

type HttpServer struct {
	broadcaster   *GeometryBroadcaster
	host          string
	port          uint16
	metadata      Metadata
	flushInterval time.Duration
	mux           *http.ServeMux
	logger        logrus.FieldLogger
}

func NewHttpServer(broadcaster *GeometryBroadcaster, host string, port uint16, metadata Metadata, flushInterval time.Duration) *HttpServer {
	s := &HttpServer{
		broadcaster:   broadcaster,
		host:          host,
		port:          port,
		metadata:      metadata,
		flushInterval: flushInterval,
		mux:           http.NewServeMux(),
		logger:        logrus.WithField("tag", "HttpServer"),
	}

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/ws2", s.handleWebSocketBinary)
	s.mux.HandleFunc("/metadata", s.handleMetadata)
	s.mux.HandleFunc("/errors", s.handleErrors)
	s.mux.HandleFunc("/geometry", s.handleGeometry)
	s.mux.HandleFunc("/chart.png", s.handleChartPNG)
	s.mux.Handle("/metrics", promhttp.Handler())

	return s
}

// The browser-facing front-end is an external application, so CORS needs to
// be allowed on everything it fetches.
func (s *HttpServer) writeCORSHeaders(w http.ResponseWriter) {
	w.Header().Add("Access-Control-Allow-Origin", "*")
	w.Header().Add("Access-Control-Allow-Headers", "content-type")
	w.Header().Add("Access-Control-Allow-Methods", "*")
}

func (s *HttpServer) handleIndex(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}

	// There is no bundled UI. Land on the server-side preview instead.
	http.Redirect(w, req, "/chart.png", http.StatusFound)
}

// handleWebSocket streams coalesced geometry snapshots as JSON. Because every
// update carries the complete picture, a client only ever needs the newest
// one: updates arriving within the same flush interval overwrite each other
// and only the latest is written out on the tick.
func (s *HttpServer) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to accept new websocket connection")
		return
	}

	websocketClients.Inc()
	defer websocketClients.Dec()

	ctx := req.Context()
	ctx = c.CloseRead(ctx) // This means we no longer want to read from the websocket, which is true because we just want to write.

	channel := make(chan GeometryUpdate, bufferSize)
	wg := sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()

		var pending *GeometryUpdateData

		flush := func() error {
			if pending == nil {
				return nil
			}

			err := wsjson.Write(ctx, c, *pending)
			pending = nil
			return err
		}

		for {
			select {
			case update, open := <-channel:
				if !open { // Not sure why this would ever happen, but sure
					s.logger.Warn("update channel closed, closing websocket")
					c.Close(websocket.StatusNormalClosure, "channel closed")
					return
				}

				if update.streamEnded {
					if err := flush(); err != nil {
						s.logger.Warn("websocket write failed and closed")
						return
					}

					c.Close(websocket.StatusNormalClosure, "stream ended")
					return
				}

				data := update.GeometryUpdateData
				pending = &data
			case <-ticker.C:
				if err := flush(); err != nil {
					// At this point the websocket closed, so we don't even need to send anything
					s.logger.Warn("websocket write failed and closed")
					return
				}
			case <-ctx.Done(): // client connection closes causes the req.Context to be canceled?
				s.logger.Info("client closed connection or context canceled")
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()

	// The channel is already being received from in another goroutine and we
	// register the channels in the main thread.
	s.broadcaster.RegisterChannel(ctx, channel)

	// Once the websocket writing thread finishes, we want to deregister the
	// channel from the broadcaster.
	wg.Wait()
	s.broadcaster.DeregisterChannel(ctx, channel)
	close(channel)
}

// handleWebSocketBinary streams the envelope protocol: one METADATA message
// up front, then per flush the coalesced snapshot as a HOVER message followed
// by a GEOMETRY message (hover first so a consumer has labels in hand when
// the numerics arrive), and finally STREAM_END before a normal close.
func (s *HttpServer) handleWebSocketBinary(w http.ResponseWriter, req *http.Request) {
	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to accept new websocket connection")
		return
	}

	websocketClients.Inc()
	defer websocketClients.Dec()

	ctx := req.Context()
	ctx = c.CloseRead(ctx)

	writeMessage := func(messageType byte, payload interface{}) error {
		buf, err := EncodeWSMessage(WSMessage{
			Header:  EnvelopeHeader{Version: ProtocolVersion, Type: messageType},
			Payload: payload,
		})
		if err != nil {
			return err
		}

		return c.Write(ctx, websocket.MessageBinary, buf)
	}

	if err := writeMessage(MessageTypeMetadata, s.metadata); err != nil {
		s.logger.WithError(err).Warn("websocket metadata write failed")
		c.Close(websocket.StatusInternalError, "metadata write failed")
		return
	}

	channel := make(chan GeometryUpdate, bufferSize)
	wg := sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()

		var pending *GeometryUpdateData

		flush := func() error {
			if pending == nil {
				return nil
			}

			if err := writeMessage(MessageTypeHover, pending.Hover); err != nil {
				return err
			}

			err := writeMessage(MessageTypeGeometry, GeometryMessageFromUpdate(*pending))
			pending = nil
			return err
		}

		for {
			select {
			case update, open := <-channel:
				if !open {
					s.logger.Warn("update channel closed, closing websocket")
					c.Close(websocket.StatusNormalClosure, "channel closed")
					return
				}

				if update.streamEnded {
					if err := flush(); err != nil {
						s.logger.Warn("websocket write failed and closed")
						return
					}

					endMsg := StreamEndMessage{}
					if update.streamErr != nil {
						endMsg.Error = true
						endMsg.Msg = update.streamErr.Error()
					}

					if err := writeMessage(MessageTypeStreamEnd, endMsg); err != nil {
						s.logger.Warn("websocket write failed and closed")
						return
					}

					c.Close(websocket.StatusNormalClosure, "stream ended")
					return
				}

				data := update.GeometryUpdateData
				pending = &data
			case <-ticker.C:
				if err := flush(); err != nil {
					s.logger.Warn("websocket write failed and closed")
					return
				}
			case <-ctx.Done():
				s.logger.Info("client closed connection or context canceled")
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()

	s.broadcaster.RegisterChannel(ctx, channel)

	wg.Wait()
	s.broadcaster.DeregisterChannel(ctx, channel)
	close(channel)
}

func (s *HttpServer) handleMetadata(w http.ResponseWriter, req *http.Request) {
	s.writeCORSHeaders(w)

	w.Header().Add("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(s.metadata)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
	}
}

func (s *HttpServer) handleErrors(w http.ResponseWriter, req *http.Request) {
	s.writeCORSHeaders(w)

	ended, streamErr := s.broadcaster.StreamEnded()
	message := StreamEndedMessage{StreamEnded: ended}
	if streamErr != nil {
		message.StreamError = streamErr.Error()
	}

	w.Header().Add("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(message)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
	}
}

func (s *HttpServer) handleGeometry(w http.ResponseWriter, req *http.Request) {
	s.writeCORSHeaders(w)

	data, ok := s.broadcaster.LatestUpdate()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
	}
}

func (s *HttpServer) handleChartPNG(w http.ResponseWriter, req *http.Request) {
	data, ok := s.broadcaster.LatestUpdate()
	if !ok {
		http.Error(w, "no geometry to render yet", http.StatusServiceUnavailable)
		return
	}

	// Size overrides for the preview, e.g. /chart.png?width=1280&height=720.
	opts := s.metadata.ChartOptions
	if v := req.URL.Query().Get("width"); v != "" {
		if width, err := strconv.Atoi(v); err == nil && width > 0 {
			opts.Width = width
		}
	}
	if v := req.URL.Query().Get("height"); v != "" {
		if height, err := strconv.Atoi(v); err == nil && height > 0 {
			opts.Height = height
		}
	}

	w.Header().Add("Content-Type", "image/png")
	err := RenderChartPNG(data, opts, w)
	if err != nil {
		s.logger.WithError(err).Error("failed to render chart")
	}
}

func (s *HttpServer) Run() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(int(s.port)))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", addr, err)
	}

	url := fmt.Sprintf("http://%s", listener.Addr())
	s.logger.Infof("starting HTTP server at %s", url)
	openBrowser(url)

	return http.Serve(listener, s.mux)
}
