package csvscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Per-client buffer of frame updates. Updates beyond this are dropped for that
// client only.
const bufferSize = 256

type HttpServer struct {
	// Open the UI in the default browser when Run starts. Only has an effect
	// in prod builds, which embed the UI.
	OpenBrowser bool

	viewer   *Viewer
	addr     string
	metadata Metadata
	mux      *http.ServeMux
	logger   logrus.FieldLogger
}

// Partial configuration accepted by POST /config. Omitted fields keep their
// current value.
type ConfigRequest struct {
	WindowSize     *int
	WindowStart    *int
	StepSize       *int
	StepIntervalMs *int64
}

type PlaybackResponse struct {
	Playing bool
}

type ErrorResponse struct {
	Error string
}

// Creates the server. gatherer backs GET /metrics and may be nil to disable it.
func NewHttpServer(viewer *Viewer, addr string, metadata Metadata, gatherer prometheus.Gatherer) *HttpServer {
	s := &HttpServer{
		viewer:   viewer,
		addr:     addr,
		metadata: metadata,
		mux:      http.NewServeMux(),
		logger:   logrus.WithField("tag", "HttpServer"),
	}

	subFS, err := fs.Sub(webuiFiles, "webui")
	if err != nil {
		panic(err)
	}

	s.mux.Handle("/", http.FileServer(http.FS(subFS)))
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /ws2", s.handleBinaryWebSocket)
	s.mux.HandleFunc("GET /metadata", s.handleMetadata)
	s.mux.HandleFunc("GET /frame", s.handleFrame)
	s.mux.HandleFunc("GET /frame.png", s.handleFramePNG)
	s.mux.HandleFunc("POST /load", s.handleLoad)
	s.mux.HandleFunc("POST /playback/toggle", s.handleToggle)
	s.mux.HandleFunc("POST /config", s.handleConfig)

	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

func (s *HttpServer) Handler() http.Handler {
	return s.mux
}

// Registers a channel with the viewer for the lifetime of a websocket and
// calls write for every update until the client goes away or write fails.
func (s *HttpServer) streamUpdates(ctx context.Context, c *websocket.Conn, logger logrus.FieldLogger, write func(context.Context, FrameUpdate) error) {
	channel := make(chan FrameUpdate, bufferSize)
	wg := sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			select {
			case update := <-channel:
				if err := write(ctx, update); err != nil {
					// At this point the websocket closed, so we don't even need to send anything
					logger.WithError(err).Warn("websocket write failed and closed")
					return
				}
			case <-ctx.Done(): // client connection closes causes the req.Context to be canceled
				logger.Info("client closed connection or context canceled")
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()

	// The channel is already being received from in another goroutine and we
	// register the channels in the main thread.
	s.viewer.RegisterChannel(ctx, channel)

	// Once the websocket writing thread finishes, we want to deregister the
	// channel from the viewer.
	wg.Wait()
	s.viewer.DeregisterChannel(ctx, channel)
}

func (s *HttpServer) acceptWebSocket(w http.ResponseWriter, req *http.Request) (*websocket.Conn, context.Context, logrus.FieldLogger, bool) {
	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to accept new websocket connection")
		return nil, nil, nil, false
	}

	logger := s.logger.WithFields(logrus.Fields{
		"client": uuid.NewString(),
		"path":   req.URL.Path,
	})
	logger.Info("websocket client connected")

	// We only write to the websocket; reading is limited to control frames.
	ctx := c.CloseRead(req.Context())
	return c, ctx, logger, true
}

// Streams every FrameUpdate as JSON.
func (s *HttpServer) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	c, ctx, logger, ok := s.acceptWebSocket(w, req)
	if !ok {
		return
	}

	s.streamUpdates(ctx, c, logger, func(ctx context.Context, update FrameUpdate) error {
		return wsjson.Write(ctx, c, update)
	})
}

// Streams updates using the binary protocol in ws_protocol.go: one METADATA
// message, then a FRAME message per update, or an ERROR message for updates
// that carry an error. A new METADATA message precedes the first update after
// a series from a different source was loaded.
func (s *HttpServer) handleBinaryWebSocket(w http.ResponseWriter, req *http.Request) {
	c, ctx, logger, ok := s.acceptWebSocket(w, req)
	if !ok {
		return
	}

	source := s.viewer.Latest().Source
	metadataMsg, err := encodeMetadata(s.currentMetadata(source))
	if err != nil {
		logger.WithError(err).Error("failed to encode metadata")
		c.Close(websocket.StatusInternalError, "metadata encoding failed")
		return
	}

	if err := c.Write(ctx, websocket.MessageBinary, metadataMsg); err != nil {
		logger.WithError(err).Warn("failed to send metadata")
		return
	}

	s.streamUpdates(ctx, c, logger, func(ctx context.Context, update FrameUpdate) error {
		if update.Source != source {
			source = update.Source
			metadataMsg, err := encodeMetadata(s.currentMetadata(source))
			if err != nil {
				return err
			}
			if err := c.Write(ctx, websocket.MessageBinary, metadataMsg); err != nil {
				return err
			}
		}

		var data []byte
		var err error

		if update.Error != "" {
			data, err = EncodeWSMessage(WSMessage{
				Header:  EnvelopeHeader{Version: ProtocolVersion, Type: MessageTypeError},
				Payload: ErrorMessage{Msg: update.Error},
			})
		} else {
			data, err = EncodeFrameUpdate(update)
		}

		if err != nil {
			return err
		}

		return c.Write(ctx, websocket.MessageBinary, data)
	})
}

// The static metadata with the source of the currently loaded series.
func (s *HttpServer) currentMetadata(source string) Metadata {
	metadata := s.metadata
	metadata.Source = source
	return metadata
}

func encodeMetadata(metadata Metadata) ([]byte, error) {
	return EncodeWSMessage(WSMessage{
		Header:  EnvelopeHeader{Version: ProtocolVersion, Type: MessageTypeMetadata},
		Payload: metadata,
	})
}

func (s *HttpServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("failed to write response")
	}
}

func (s *HttpServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var parseErr *ParseError
	var configErr *InvalidConfigError
	switch {
	case errors.As(err, &parseErr), errors.As(err, &configErr):
		status = http.StatusBadRequest
	case errors.Is(err, ErrViewerStopped):
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *HttpServer) handleMetadata(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentMetadata(s.viewer.Latest().Source))
}

func (s *HttpServer) handleFrame(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusOK, s.viewer.Latest())
}

func (s *HttpServer) handleFramePNG(w http.ResponseWriter, req *http.Request) {
	var buf bytes.Buffer
	err := RenderFramePNG(&buf, s.viewer.Latest(), s.metadata.ChartOptions)
	if errors.Is(err, ErrFrameTooSmall) {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	} else if err != nil {
		s.logger.WithError(err).Error("failed to render frame")
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// Replaces the series with the CSV in the request body, which may be gzip or
// zstd compressed. The optional name query parameter is recorded as the source.
func (s *HttpServer) handleLoad(w http.ResponseWriter, req *http.Request) {
	body, err := Decompress(req.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	defer body.Close()

	if err := s.viewer.LoadFrom(req.Context(), req.URL.Query().Get("name"), body); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.viewer.Latest())
}

func (s *HttpServer) handleToggle(w http.ResponseWriter, req *http.Request) {
	playing, err := s.viewer.TogglePlaying(req.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, PlaybackResponse{Playing: playing})
}

func (s *HttpServer) handleConfig(w http.ResponseWriter, req *http.Request) {
	var body ConfigRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	err := s.viewer.UpdateConfig(req.Context(), func(c *WindowConfig) {
		if body.WindowSize != nil {
			c.WindowSize = *body.WindowSize
		}
		if body.WindowStart != nil {
			c.WindowStart = *body.WindowStart
		}
		if body.StepSize != nil {
			c.StepSize = *body.StepSize
		}
		if body.StepIntervalMs != nil {
			c.StepInterval = time.Duration(*body.StepIntervalMs) * time.Millisecond
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.viewer.Latest())
}

func (s *HttpServer) Run() error {
	s.logger.Infof("starting HTTP server at http://%s", s.addr)
	if s.OpenBrowser {
		openBrowser("http://" + s.addr)
	}
	return http.ListenAndServe(s.addr, s.mux)
}
