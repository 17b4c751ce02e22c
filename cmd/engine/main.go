// Command engine runs one Engine Runtime (C7) process: it registers itself
// in the Engine Registry under a single engine descriptor from
// configs/engines.yaml, then loops dequeuing tasks for that descriptor off
// its Redis-backed queue and running the descriptor's stage function
// (internal/engines) on each one.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/dalston/internal/catalog"
	"github.com/r3e-network/dalston/internal/engines"
	"github.com/r3e-network/dalston/internal/enginerun"
	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/objectstore"
	"github.com/r3e-network/dalston/internal/platform/config"
	"github.com/r3e-network/dalston/internal/platform/logging"
	"github.com/r3e-network/dalston/internal/platform/metrics"
	"github.com/r3e-network/dalston/internal/registry"
	"github.com/r3e-network/dalston/internal/statestore"
)

func main() {
	log := logging.NewFromEnv("engine")
	rootCtx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("engine: load config")
	}
	if cfg.Engine.DescriptorID == "" {
		log.Fatal("engine: ENGINE_DESCRIPTOR_ID is required")
	}

	cat, err := catalog.Load(cfg.Catalog.ManifestPath)
	if err != nil {
		log.WithError(err).Fatal("engine: load engine catalog")
	}
	descriptor, ok := cat.Get(cfg.Engine.DescriptorID)
	if !ok {
		log.WithField("descriptor_id", cfg.Engine.DescriptorID).Fatal("engine: unknown descriptor ID")
	}
	stageFunc, ok := engines.For(descriptor.Stage)
	if !ok {
		log.WithField("stage", descriptor.Stage).Fatal("engine: no stage function registered for this descriptor's stage")
	}

	store, err := statestore.Open(cfg.StateStore.DSN, cfg.StateStore.MaxOpenConns,
		cfg.StateStore.MaxIdleConns, cfg.StateStore.ConnMaxLifetimeDuration())
	if err != nil {
		log.WithError(err).Fatal("engine: open state store")
	}
	defer store.Close()

	bus, err := eventbus.New(store.DB(), cfg.EventBus.ListenDSN, "", log.WithContext(rootCtx))
	if err != nil {
		log.WithError(err).Fatal("engine: open event bus")
	}
	defer bus.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.EventBus.RedisAddr, DB: cfg.EventBus.RedisDB, Password: cfg.EventBus.RedisPassword})
	defer rdb.Close()
	queues := eventbus.NewEngineQueues(rdb)

	objects, err := objectstore.NewLocalStore(cfg.ObjectStore.LocalBaseDir)
	if err != nil {
		log.WithError(err).Fatal("engine: open object store")
	}

	reg := registry.New(store)

	instanceID := cfg.Engine.InstanceID
	if instanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "engine"
		}
		instanceID = fmt.Sprintf("%s-%s-%d", descriptor.ID, host, os.Getpid())
	}

	capabilities, err := statestore.MarshalJSONB(descriptor.Capabilities)
	if err != nil {
		log.WithError(err).Fatal("engine: marshal capabilities")
	}
	languages, err := statestore.MarshalJSONB(descriptor.Languages)
	if err != nil {
		log.WithError(err).Fatal("engine: marshal languages")
	}

	maxConcurrency := descriptor.MaxConcurrency
	if cfg.Engine.MaxConcurrency > 0 {
		maxConcurrency = cfg.Engine.MaxConcurrency
	}

	runner := enginerun.New(enginerun.Config{
		DescriptorID:      descriptor.ID,
		InstanceID:        instanceID,
		Capabilities:      capabilities,
		Languages:         languages,
		MaxConcurrency:    maxConcurrency,
		HeartbeatInterval: cfg.Engine.HeartbeatDuration(),
	}, store, reg, queues, bus, objects, stageFunc, log.WithContext(rootCtx))

	go serveAdmin(cfg, log)

	ctx, cancel := context.WithCancel(rootCtx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("engine: shutting down")
		cancel()
	}()

	log.WithField("descriptor_id", descriptor.ID).WithField("instance_id", instanceID).Info("engine: started")
	if err := runner.Run(ctx); err != nil {
		log.WithError(err).Error("engine: runner stopped with error")
	}
}

func serveAdmin(cfg *config.Config, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.WithField("addr", addr).Info("engine: admin server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("engine: admin server stopped")
	}
}
