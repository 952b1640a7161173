// Command pgdispatch connects to a PostgreSQL database, listens for task
// notifications, and dispatches each one to a fixed pool of workers that
// execute a statement on their own connection.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/erlorenz/pgdispatch/internal/appconfig"
	"github.com/erlorenz/pgdispatch/internal/supervisor"
)

func main() {
	if envFile := os.Getenv("PGDISPATCH_ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("could not load env file, continuing with existing environment", "path", envFile, "error", err)
		}
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := appconfig.Load()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log.Info("starting pgdispatch",
		"workers", cfg.Workers,
		"queue_capacity", cfg.QueueCapacity,
		"metrics_addr", cfg.MetricsAddr,
		"shutdown_grace", cfg.ShutdownGrace,
	)

	sv := supervisor.New(cfg, log)
	os.Exit(sv.Run(context.Background()))
}
