package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"

	"github.com/cactusdynamics/csvscope"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// Config holds the configuration for the WS reader
type Config struct {
	ServerURL string
	Output    io.Writer
	Logger    logrus.FieldLogger

	// Stop reading on the first ERROR message, e.g. when playback reaches the
	// end of the series.
	ExitOnError bool
}

// WSReader reads frames from the csvscope /ws2 endpoint and outputs CSV data
type WSReader struct {
	config    Config
	csvWriter *csv.Writer
}

// errStop is returned by processMessage when reading should end cleanly.
var errStop = errors.New("stop")

// NewWSReader creates a new WS reader with the given configuration
func NewWSReader(config Config) *WSReader {
	if config.Logger == nil {
		config.Logger = logrus.WithField("tag", "WSReader")
	}

	return &WSReader{
		config:    config,
		csvWriter: csv.NewWriter(config.Output),
	}
}

// Connect establishes websocket connection and processes messages until the
// connection closes, ctx is cancelled or (with ExitOnError) an ERROR arrives.
func (w *WSReader) Connect(ctx context.Context) error {
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

	u.Path = "/ws2"

	w.config.Logger.WithField("url", u.String()).Info("connecting to websocket")

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Write CSV header
	if err := w.csvWriter.Write([]string{"step", "x", "y", "moe_lower", "moe_upper"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for {
		_, messageData, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				w.config.Logger.Info("connection closed normally")
			} else if ctx.Err() != nil {
				w.config.Logger.Info("reader cancelled")
			} else {
				w.config.Logger.WithError(err).Error("error reading message")
			}
			break
		}

		if err := w.processMessage(messageData); err != nil {
			if err == errStop {
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
	msg, err := csvscope.DecodeWSMessage(messageData)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	switch msg.Header.Type {
	case csvscope.MessageTypeFrame:
		frameMsg, ok := msg.Payload.(csvscope.FrameMessage)
		if !ok {
			return fmt.Errorf("invalid FRAME message payload type: %T", msg.Payload)
		}
		return w.processFrameMessage(frameMsg)

	case csvscope.MessageTypeMetadata:
		metadata, ok := msg.Payload.(csvscope.Metadata)
		if !ok {
			return fmt.Errorf("invalid METADATA message payload type: %T", msg.Payload)
		}
		w.config.Logger.WithField("metadata", metadata).Debug("received metadata")

	case csvscope.MessageTypeError:
		errMsg, ok := msg.Payload.(csvscope.ErrorMessage)
		if !ok {
			return fmt.Errorf("invalid ERROR message payload type: %T", msg.Payload)
		}
		w.config.Logger.WithField("message", errMsg.Msg).Warn("viewer reported an error")
		if w.config.ExitOnError {
			return errStop
		}

	default:
		w.config.Logger.WithField("type", fmt.Sprintf("0x%02x", msg.Header.Type)).Warn("unknown message type")
	}

	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// processFrameMessage writes one CSV row per point of the frame
func (w *WSReader) processFrameMessage(frameMsg csvscope.FrameMessage) error {
	step := strconv.FormatInt(int64(frameMsg.Step), 10)

	for i := 0; i < len(frameMsg.X); i++ {
		row := []string{
			step,
			formatFloat(frameMsg.X[i]),
			formatFloat(frameMsg.Y[i]),
			formatFloat(frameMsg.MoeLower[i]),
			formatFloat(frameMsg.MoeUpper[i]),
		}
		if err := w.csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

type options struct {
	URL         string `long:"url" default:"http://localhost:5274" description:"URL of the csvscope server"`
	ExitOnError bool   `long:"exit-on-error" description:"Exit when the viewer reports an error, e.g. end of series"`
	Verbose     bool   `short:"v" long:"verbose" description:"Log debug messages"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logrus.SetOutput(os.Stderr)
	if opts.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reader := NewWSReader(Config{
		ServerURL:   opts.URL,
		Output:      os.Stdout,
		ExitOnError: opts.ExitOnError,
	})
	if err := reader.Connect(ctx); err != nil {
		logrus.WithError(err).Error("failed to read frames")
		os.Exit(1)
	}
}
