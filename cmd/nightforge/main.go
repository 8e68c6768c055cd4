// Command nightforge runs the autonomous trading engine: one long-lived
// process owning the scan loop, position monitor, nightly orchestration and
// every other periodic task (spec.md §2).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/nightforge/internal/config"
	"github.com/aristath/nightforge/internal/engine"
	"github.com/aristath/nightforge/pkg/logger"
)

func main() {
	configDir := flag.String("config", ".", "directory holding config.yaml and risk.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		// Config errors are fatal at startup with the combined violation
		// list already formatted by Load (spec.md §6).
		bootLog := logger.New(logger.Config{Level: "info", Pretty: true})
		bootLog.Fatal().Err(err).Msg("configuration invalid")
	}

	log := logger.New(logger.Config{Level: cfg.General.LogLevel, Pretty: true})
	log.Info().Str("mode", string(cfg.General.Mode)).Msg("starting nightforge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("engine startup failed")
	}

	if err := eng.Start(); err != nil {
		log.Fatal().Err(err).Msg("engine start failed")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("signal received, shutting down")
	cancel()
	eng.Shutdown()
}
