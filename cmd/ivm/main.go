package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", "scenario.yaml", "Path to scenario file")
	logLevel := flag.String("log.level", "info", "Only log messages with the given severity or above: debug, info, warn, error")
	metricsPath := flag.String("metrics.out", "", "Write refresh metrics in text format to this file when the scenario ends")
	flag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	// 1. Load Scenario
	cfg, err := loadScenario(*configPath)
	if err != nil {
		fmt.Printf("Error loading scenario: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize Sink
	sink, err := newSink(cfg.Sink)
	if err != nil {
		fmt.Printf("Error initializing sink: %v\n", err)
		os.Exit(1)
	}
	defer sink.Close()

	// 3. Tables and views
	reg := prometheus.NewRegistry()
	db, err := setup(ctx, cfg, sink, logger, reg)
	if err != nil {
		fmt.Printf("Error setting up scenario: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// 4. Run Steps
	fmt.Println("Running scenario...")
	err = runScenario(ctx, db, cfg.Steps, sink)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("Shutdown requested. Exiting...")
			return
		}
		fmt.Printf("Scenario error: %v\n", err)
		os.Exit(1)
	}
	if *metricsPath != "" {
		if err := prometheus.WriteToTextfile(*metricsPath, reg); err != nil {
			level.Warn(logger).Log("msg", "failed to write metrics", "path", *metricsPath, "err", err)
		}
	}
	fmt.Println("Scenario finished.")
}

func newLogger(lvl string) (log.Logger, error) {
	var allow level.Option
	switch lvl {
	case "debug":
		allow = level.AllowDebug()
	case "info":
		allow = level.AllowInfo()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, fmt.Errorf("unrecognized log level %q", lvl)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
