package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/yansir/ag-relayer/internal/config"
	"github.com/yansir/ag-relayer/internal/events"
	"github.com/yansir/ag-relayer/internal/server"
	"github.com/yansir/ag-relayer/internal/store"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, cfg.LogFormat, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("ag-relayer starting", "version", version, "accounts", len(cfg.Accounts))

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("database directory", "error", err)
			os.Exit(1)
		}
	}
	db, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	bus := events.NewBus(200)

	srv := server.New(cfg, db, bus, logHandler)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
