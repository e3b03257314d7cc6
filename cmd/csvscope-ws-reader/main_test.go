package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cactusdynamics/csvscope"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
)

type testServer struct {
	viewer  *csvscope.Viewer
	metrics *csvscope.Metrics
	clock   *clock.Mock
	server  *httptest.Server
	cancel  context.CancelFunc
}

func newTestServer(t *testing.T, raw string, config csvscope.WindowConfig) *testServer {
	t.Helper()

	mock := clock.NewMock()
	metrics := csvscope.NewMetrics(nil)
	viewer, err := csvscope.NewViewer(csvscope.ViewerOptions{
		Config:  config,
		Clock:   mock,
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("NewViewer() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	viewer.Start(ctx)

	if err := viewer.Load(ctx, raw); err != nil {
		cancel()
		t.Fatalf("Load() failed: %v", err)
	}

	metadata := csvscope.Metadata{
		Format:       csvscope.FormatComma,
		ChartOptions: csvscope.ChartOptions{Title: "Test Data"},
	}
	server := httptest.NewServer(csvscope.NewHttpServer(viewer, "", metadata, nil).Handler())

	ts := &testServer{viewer: viewer, metrics: metrics, clock: mock, server: server, cancel: cancel}
	t.Cleanup(func() {
		server.Close()
		cancel()
		viewer.Wait()
	})
	return ts
}

func gaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()

	metric := &dto.Metric{}
	if err := gauge.Write(metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	return metric.GetGauge().GetValue()
}

func (ts *testServer) waitForClients(t *testing.T, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for gaugeValue(t, ts.metrics.Clients) != float64(n) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d registered channels", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForStep(t *testing.T, updates <-chan csvscope.FrameUpdate, step int) csvscope.FrameUpdate {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case update := <-updates:
			if update.Step == step {
				return update
			}
		case <-timeout:
			t.Fatalf("timed out waiting for step %d", step)
		}
	}
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	return logger
}

// TestWSReaderPlayback reads frames while the viewer plays to the end of the
// series and stops on the resulting error.
func TestWSReaderPlayback(t *testing.T) {
	ts := newTestServer(t, "0,10\n1,20\n2,30", csvscope.WindowConfig{
		WindowSize:   2,
		WindowStart:  0,
		StepInterval: 100 * time.Millisecond,
		StepSize:     1,
	})

	var output bytes.Buffer
	reader := NewWSReader(Config{
		ServerURL:   ts.server.URL,
		Output:      &output,
		Logger:      quietLogger(),
		ExitOnError: true,
	})

	done := make(chan error, 1)
	go func() {
		done <- reader.Connect(context.Background())
	}()

	ts.waitForClients(t, 1)

	updates := make(chan csvscope.FrameUpdate, 16)
	ts.viewer.RegisterChannel(context.Background(), updates)
	defer ts.viewer.DeregisterChannel(context.Background(), updates)

	if _, err := ts.viewer.TogglePlaying(context.Background()); err != nil {
		t.Fatalf("TogglePlaying() failed: %v", err)
	}

	ts.clock.Add(100 * time.Millisecond)
	waitForStep(t, updates, 1)

	// The next window would read index 3, which ends playback with an error.
	ts.clock.Add(100 * time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WSReader.Connect() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WSReader.Connect() timed out")
	}

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) < 1 {
		t.Fatal("No CSV output received")
	}

	expectedHeader := "step,x,y,moe_lower,moe_upper"
	if lines[0] != expectedHeader {
		t.Errorf("Expected header %q, got %q", expectedHeader, lines[0])
	}

	expectedRows := []string{
		"0,0,10,9,11",
		"0,1,20,18,22",
		"1,1,20,18,22",
		"1,2,30,27,33",
	}

	dataLines := lines[1:]
	for _, expectedRow := range expectedRows {
		found := false
		for _, dataLine := range dataLines {
			if dataLine == expectedRow {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected row %q not found in output:\n%s", expectedRow, output.String())
		}
	}

	for _, dataLine := range dataLines {
		if strings.HasPrefix(dataLine, "2,") {
			t.Errorf("Unexpected row past the end of the series: %q", dataLine)
		}
	}

	if ts.viewer.Latest().Playing {
		t.Error("Expected playback to stop at the end of the series")
	}
}

// TestWSReaderCancel tests that cancelling the context ends reading cleanly
func TestWSReaderCancel(t *testing.T) {
	ts := newTestServer(t, "0,1\n1,2", csvscope.WindowConfig{
		WindowSize:   2,
		StepInterval: time.Second,
		StepSize:     1,
	})

	var output bytes.Buffer
	reader := NewWSReader(Config{
		ServerURL: ts.server.URL,
		Output:    &output,
		Logger:    quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- reader.Connect(ctx)
	}()

	ts.waitForClients(t, 1)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WSReader.Connect() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WSReader.Connect() timed out")
	}

	if !strings.HasPrefix(output.String(), "step,x,y,moe_lower,moe_upper\n") {
		t.Errorf("Expected CSV header in output, got:\n%s", output.String())
	}
}

// TestWSReaderInvalidURL tests connection to invalid URL
func TestWSReaderInvalidURL(t *testing.T) {
	var output bytes.Buffer
	reader := NewWSReader(Config{
		ServerURL: "http://localhost:1",
		Output:    &output,
		Logger:    quietLogger(),
	})

	if err := reader.Connect(context.Background()); err == nil {
		t.Error("Expected connection to fail for invalid URL")
	}
}

func TestProcessMessageRejectsGarbage(t *testing.T) {
	reader := NewWSReader(Config{Output: &bytes.Buffer{}, Logger: quietLogger()})

	if err := reader.processMessage([]byte{0x01}); err == nil {
		t.Error("Expected error for truncated message")
	}
}

func TestProcessMessageErrorStops(t *testing.T) {
	data, err := csvscope.EncodeErrorMessage(csvscope.ErrorMessage{Msg: "window out of range"})
	if err != nil {
		t.Fatalf("EncodeErrorMessage() failed: %v", err)
	}

	msg, err := csvscope.EncodeWSMessage(csvscope.WSMessage{
		Header:  csvscope.EnvelopeHeader{Version: csvscope.ProtocolVersion, Type: csvscope.MessageTypeError},
		Payload: csvscope.ErrorMessage{Msg: "window out of range"},
	})
	if err != nil {
		t.Fatalf("EncodeWSMessage() failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Expected encoded error payload")
	}

	t.Run("continue", func(t *testing.T) {
		reader := NewWSReader(Config{Output: &bytes.Buffer{}, Logger: quietLogger()})
		if err := reader.processMessage(msg); err != nil {
			t.Errorf("Expected nil, got %v", err)
		}
	})

	t.Run("exit", func(t *testing.T) {
		reader := NewWSReader(Config{Output: &bytes.Buffer{}, Logger: quietLogger(), ExitOnError: true})
		if err := reader.processMessage(msg); err != errStop {
			t.Errorf("Expected errStop, got %v", err)
		}
	})
}
