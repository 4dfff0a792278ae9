// tiltguard - Pre-trade stress risk assessment service
package main

import (
	"context"
	"os"

	"github.com/mbd888/tiltguard/internal/config"
	"github.com/mbd888/tiltguard/internal/logging"
	"github.com/mbd888/tiltguard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is loaded
	logger := logging.New("info", "text")

	logger.Info("starting tiltguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"analyst", cfg.AnalystURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
