// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/lsdvr/internal/config"
	"github.com/ManuGH/lsdvr/internal/daemon"
	"github.com/ManuGH/lsdvr/internal/log"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "path to the configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("lsdvrd", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "lsdvr"})
	logger := log.Base()
	logger.Info().Str("version", version).Str("event", "main.start").Msg("lsdvrd starting")

	d, err := daemon.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "main.init").Msg("daemon init failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal asks nicely and is refused while captures run; the
	// second one shuts down regardless.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		if n := d.Capturing(); n > 0 {
			logger.Warn().
				Int("captures", n).
				Str("signal", sig.String()).
				Str("event", "main.shutdown_refused").
				Msg("captures in progress, send the signal again to force shutdown")
			sig = <-sigCh
		}
		logger.Info().Str("signal", sig.String()).Str("event", "main.shutdown").Msg("shutting down")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "main.run").Msg("daemon exited with error")
	}
	logger.Info().Str("event", "main.stop").Msg("lsdvrd stopped")
}
