package main

import (
	"fmt"

	"github.com/driftlab/driftsync/internal/clientstore"
	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/engine"
	"github.com/driftlab/driftsync/internal/realtime"
	dsync "github.com/driftlab/driftsync/internal/sync"
	"github.com/driftlab/driftsync/internal/syncclient"
)

// buildEngine wires the full client stack from the saved config: local
// store, HTTP remote, realtime stream, and sync engine. tweak, when
// non-nil, adjusts the engine config (callbacks and such) before the
// engine is built. The caller owns the returned store's lifetime and
// must call eng.Destroy.
func buildEngine(cfg *config.Config, tweak func(*engine.Config)) (*engine.Engine, *clientstore.SQLite, error) {
	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, nil, err
	}
	store, err := clientstore.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open replica db: %w", err)
	}
	if err := store.Init(); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("init replica db: %w", err)
	}
	clientID, err := store.GetClientID()
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	remote := syncclient.New(cfg.ServerURL, cfg.APIKey, clientID)

	var rt *realtime.Client
	if cfg.RealtimeEnabled() {
		rt = realtime.NewClient(realtime.ClientConfig{
			Enabled:              true,
			Endpoint:             cfg.RealtimeEndpoint(),
			ClientID:             clientID,
			Tables:               cfg.Tables,
			AuthToken:            cfg.APIKey,
			ReconnectInterval:    cfg.ReconnectInterval(),
			MaxReconnectInterval: cfg.MaxReconnectInterval(),
			MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
			HeartbeatTimeout:     cfg.HeartbeatTimeout(),
		}, nil, nil)
	}

	ecfg := engine.DefaultConfig()
	ecfg.SyncInterval = cfg.SyncInterval()
	if cfg.BatchSize > 0 {
		ecfg.BatchSize = cfg.BatchSize
	}
	if s := dsync.Strategy(cfg.ConflictResolution); s.Valid() {
		ecfg.ConflictResolution = s
	}
	if cfg.MaxRetries > 0 {
		ecfg.MaxRetries = cfg.MaxRetries
	}
	ecfg.RetryDelay = cfg.RetryDelayDuration()
	if tweak != nil {
		tweak(&ecfg)
	}

	coord := engine.NewLocalCoordinator("driftsync")
	eng := engine.New(store, remote, coord, rt, ecfg)
	return eng, store, nil
}
