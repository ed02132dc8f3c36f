package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hostbridge/hostbridge/backend/internal/config"
	"github.com/hostbridge/hostbridge/backend/internal/engine"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	setupLogger(cfg)

	log.Info().
		Str("version", cfg.Version).
		Str("env", cfg.Env).
		Str("store", cfg.StorePath).
		Msg("Starting hostbridge engine")

	eng, err := engine.New(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down engine...")
	eng.Shutdown()
	log.Info().Msg("Engine exited")
}

func setupLogger(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Pretty logging for development
	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
