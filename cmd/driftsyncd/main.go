package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/driftlab/driftsync/internal/api"
	"github.com/driftlab/driftsync/internal/realtime"
	"github.com/driftlab/driftsync/internal/schema"
	"github.com/driftlab/driftsync/internal/serverstore"
	"github.com/driftlab/driftsync/internal/syncserver"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := api.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	tables, err := schema.LoadFile(cfg.SchemaPath)
	if err != nil {
		slog.Error("load schema", "err", err, "path", cfg.SchemaPath)
		os.Exit(1)
	}

	store, err := serverstore.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open db", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	var hub *realtime.Hub
	if cfg.Realtime.Enabled {
		hub = realtime.NewHub(realtime.HubConfig{
			Enabled:               true,
			HeartbeatInterval:     cfg.Realtime.HeartbeatInterval,
			ConnectionTimeout:     cfg.Realtime.ConnectionTimeout,
			MaxConnectionsPerUser: cfg.Realtime.MaxConnectionsPerUser,
			AllowedTables:         cfg.Realtime.AllowedTables,
		})
	}

	engine := syncserver.New(store, tables, broadcaster(hub))
	srv := api.NewServer(cfg, engine, hub, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		slog.Error("start server", "err", err)
		os.Exit(1)
	}
	slog.Info("server started", "addr", cfg.ListenAddr, "tables", len(tables.Tables()), "realtime", cfg.Realtime.Enabled)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}

// broadcaster avoids handing the engine a typed-nil interface when
// realtime is disabled.
func broadcaster(hub *realtime.Hub) syncserver.Broadcaster {
	if hub == nil {
		return nil
	}
	return hub
}
