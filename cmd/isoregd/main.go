package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/seantiz/isoreg/internal/api"
	"github.com/seantiz/isoreg/internal/cluster"
	"github.com/seantiz/isoreg/internal/config"
	"github.com/seantiz/isoreg/internal/engine"
	"github.com/seantiz/isoreg/internal/hierarchy"
	"github.com/seantiz/isoreg/internal/listener"
	"github.com/seantiz/isoreg/internal/refresh"
	"github.com/seantiz/isoreg/internal/registry"
	"github.com/seantiz/isoreg/internal/store"
	"github.com/seantiz/isoreg/internal/txn"
	"github.com/seantiz/isoreg/internal/watch"
)

const executorDrainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("isoregd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"temp_root", cfg.TempRoot,
		"node", cfg.NodeID,
		"peers", len(cfg.Peers),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	tenants := hierarchy.NewCachedLookup(db)

	events := listener.NewBroker()
	listeners := listener.NewRegistry(logger)
	listeners.Add(events)

	reg := registry.New(registry.Options{
		Resolver:  hierarchy.NewDefault(tenants),
		Provider:  db,
		Listeners: listeners,
		TempRoot:  cfg.TempRoot,
		Logger:    logger,
	})
	if err := reg.Init(ctx); err != nil {
		log.Fatalf("failed to initialize registry: %v", err)
	}

	peers := make([]cluster.Peer, len(cfg.Peers))
	for i, p := range cfg.Peers {
		peers[i] = cluster.Peer{ID: p.ID, URL: p.URL}
	}
	var broadcaster cluster.Broadcaster = cluster.Nop{}
	if len(peers) > 0 {
		broadcaster = cluster.NewHTTPBroadcaster(peers, cfg.BroadcastTimeout, logger)
	}

	executor := engine.NewExecutor(logger)
	syncer := refresh.New(refresh.Options{
		Refresher:   reg,
		Broadcaster: broadcaster,
		Executor:    executor,
		Tenants:     tenants,
		NodeID:      cfg.NodeID,
		Logger:      logger,
	})
	txm := txn.NewManager(logger)

	var watcher *watch.Watcher
	if cfg.DeployDir != "" {
		watcher, err = watch.New(cfg.DeployDir, db, syncer, txm, logger)
		if err != nil {
			log.Fatalf("failed to create deploy watcher: %v", err)
		}
		if err := watcher.Start(ctx); err != nil {
			log.Fatalf("failed to start deploy watcher: %v", err)
		}
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Registry: reg,
		Store:    db,
		Sync:     syncer,
		Txn:      txm,
		Events:   events,
		Tenants:  tenants,
		NodeID:   cfg.NodeID,
	}, logger)

	runErr := srv.Run()

	if watcher != nil {
		watcher.Stop()
	}
	// Scheduled refreshes must finish before contexts are torn down.
	syncer.Wait()
	executor.Close(executorDrainTimeout)
	if err := reg.Stop(ctx); err != nil {
		logger.Error("registry stop", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
