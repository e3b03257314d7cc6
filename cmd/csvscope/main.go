package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cactusdynamics/csvscope"
	"github.com/cactusdynamics/csvscope/internal/config"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Config       string        `short:"c" long:"config" description:"Path to a YAML configuration file"`
	Addr         string        `long:"addr" description:"Address the HTTP server listens on"`
	Input        string        `short:"i" long:"input" description:"Series to load at startup: a file, - for stdin, http(s):// or s3://bucket/key"`
	Format       string        `long:"format" choice:"comma" choice:"relaxed" choice:"csv" description:"How each input line is split into fields"`
	WindowSize   int           `short:"n" long:"window-size" description:"Number of points sampled per frame"`
	WindowStart  *int          `long:"window-start" description:"Index the cursor starts from and resets to"`
	StepInterval time.Duration `long:"step-interval" description:"Playback timer period, e.g. 500ms"`
	StepSize     int           `long:"step-size" description:"Stride between samples and per-tick cursor advance"`
	Play         bool          `long:"play" description:"Start playing immediately"`
	OpenBrowser  bool          `long:"open-browser" description:"Open the UI in the default browser"`
	PrintConfig  bool          `long:"print-config" description:"Print the effective configuration and exit"`
}

// Flags that were given override the configuration file and environment.
func applyOptions(cfg *config.Config, opts Options) {
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Input != "" {
		cfg.Input.Path = opts.Input
	}
	if opts.Format != "" {
		cfg.Input.Format = opts.Format
	}
	if opts.WindowSize != 0 {
		cfg.Window.Size = opts.WindowSize
	}
	if opts.WindowStart != nil {
		cfg.Window.Start = *opts.WindowStart
	}
	if opts.StepInterval != 0 {
		cfg.Window.StepInterval = opts.StepInterval
	}
	if opts.StepSize != 0 {
		cfg.Window.StepSize = opts.StepSize
	}
	if opts.Play {
		cfg.Window.Play = true
	}
	if opts.OpenBrowser {
		cfg.Server.OpenBrowser = true
	}
}

func setupLogging(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return nil
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	applyOptions(cfg, opts)

	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	if opts.PrintConfig {
		if err := cfg.Dump(os.Stdout); err != nil {
			logrus.WithError(err).Fatal("failed to print config")
		}
		return
	}

	if err := setupLogging(cfg.Logging); err != nil {
		logrus.WithError(err).Fatal("invalid logging configuration")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	viewer, err := csvscope.NewViewer(csvscope.ViewerOptions{
		Config: csvscope.WindowConfig{
			WindowSize:   cfg.Window.Size,
			WindowStart:  cfg.Window.Start,
			StepInterval: cfg.Window.StepInterval,
			StepSize:     cfg.Window.StepSize,
		},
		Format:  cfg.Input.Format,
		Metrics: csvscope.NewMetrics(registry),
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to create viewer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	viewer.Start(ctx)

	if cfg.Input.Path != "" {
		input, err := csvscope.NewSourceOpener().Open(ctx, cfg.Input.Path)
		if err != nil {
			logrus.WithError(err).Fatal("failed to open input")
		}

		err = viewer.LoadFrom(ctx, cfg.Input.Path, input)
		input.Close()
		if err != nil {
			logrus.WithError(err).WithField("input", cfg.Input.Path).Fatal("failed to load input")
		}
	}

	if cfg.Window.Play {
		if err := viewer.SetPlaying(ctx, true); err != nil {
			logrus.WithError(err).Fatal("failed to start playback")
		}
	}

	metadata := csvscope.Metadata{
		Format: cfg.Input.Format,
		ChartOptions: csvscope.ChartOptions{
			Title:  cfg.Chart.Title,
			XLabel: cfg.Chart.XLabel,
			YLabel: cfg.Chart.YLabel,
			Width:  cfg.Chart.Width,
			Height: cfg.Chart.Height,
		},
	}

	server := csvscope.NewHttpServer(viewer, cfg.Server.Addr, metadata, registry)
	server.OpenBrowser = cfg.Server.OpenBrowser

	go func() {
		if err := server.Run(); err != nil {
			logrus.WithError(err).Error("HTTP server stopped")
			stop()
		}
	}()

	viewer.Wait()
}
