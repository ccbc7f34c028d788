// Command relayd runs the outbox relay as a long-lived process.
//
// It loads configuration (see package config), opens the configured outbox
// store and broker, and supervises the relay, the broker router, the optional
// cleanup maintainer and an HTTP listener serving /metrics and /healthz.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/velmie/eventrelay/config"
	"github.com/velmie/eventrelay/logging"
)

func main() {
	path := flag.String("config", "", "Path to a YAML config file (defaults to $"+config.PathEnvVar+")")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logging.Init(cfg.Log)
	logger := logging.Component("relayd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, cfg, reg)
	if err != nil {
		logger.Error("relayd init failed", "err", err)
		stop()
		os.Exit(1)
	}

	logger.Info("relayd started",
		"store", cfg.Store.Driver,
		"broker", cfg.Broker.Driver,
		"addr", cfg.HTTP.Addr,
	)
	runErr := a.Run(ctx)
	if err := a.Close(); err != nil {
		logger.Warn("relayd close failed", "err", err)
	}
	if runErr != nil {
		logger.Error("relayd stopped", "err", runErr)
		stop()
		os.Exit(1)
	}
	logger.Info("relayd stopped")
}
