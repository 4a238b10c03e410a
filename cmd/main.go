package main

import (
	"flag"
	"log"
	"runtime"

	_ "go.uber.org/automaxprocs"

	"odin-sse-server/internal/config"
	"odin-sse-server/internal/server"
)

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Str("addr", cfg.Addr).
		Str("stream_path", cfg.StreamPath).
		Dur("idle_timeout", cfg.IdleTimeout).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Bool("nats_enabled", cfg.NATS.URL != "").
		Msg("Configuration loaded")

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server error")
	}
}
