// Command sweep runs one deadline sweep against the configured database and
// exits. It is meant for cron jobs and incident response when the in-process
// timer is disabled or suspected stuck.
//
// Usage:
//
//	go run ./cmd/sweep              # one sweep, JSON summary on stdout
//	go run ./cmd/sweep -timeout 2m  # bound the whole run
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/trustline/internal/config"
	"github.com/mbd888/trustline/internal/logging"
	"github.com/mbd888/trustline/internal/server"
	"github.com/mbd888/trustline/internal/sweeper"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "maximum duration of the sweep")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, sweeping empty in-memory stores")
	}

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithoutTimer())
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *timeout)

	res, runErr := srv.Sweeper().RunAs(ctx, sweeper.TriggerCLI)
	cancel()
	stop()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)

	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if runErr != nil {
		logger.Error("sweep incomplete", "error", runErr)
		os.Exit(1)
	}
	if res.Errors > 0 {
		os.Exit(2)
	}
}
