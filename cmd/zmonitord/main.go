// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// zmonitord is the bedside monitoring core daemon: sensor ingress, alarm
// evaluation, local persistence, and signed telemetry delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"zmed.io/zmonitor/internal/config"
	"zmed.io/zmonitor/internal/core"
	"zmed.io/zmonitor/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "zmonitord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/zmonitor/zmonitor.hcl", "bootstrap configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Output: os.Stderr,
		Level:  logging.ParseLevel(cfg.LogLevel),
		JSON:   cfg.LogFormat == "json",
	})
	logging.SetDefault(logger)

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	c, err := core.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	c.Stop()
	return nil
}
