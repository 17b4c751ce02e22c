// Command orchestrator runs the DAG Builder (C5) and Scheduler (C6) event
// loop: it consumes job.* and task.* events off the Event Bus, builds and
// persists task graphs, dispatches ready tasks onto engine queues, and
// drives the two background sweeps (heartbeat-expired task leases, engine
// liveness) that keep the system self-healing without operator
// intervention.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/r3e-network/dalston/internal/catalog"
	"github.com/r3e-network/dalston/internal/dag"
	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/platform/config"
	"github.com/r3e-network/dalston/internal/platform/logging"
	"github.com/r3e-network/dalston/internal/platform/metrics"
	"github.com/r3e-network/dalston/internal/registry"
	"github.com/r3e-network/dalston/internal/scheduler"
	"github.com/r3e-network/dalston/internal/statestore"
)

func main() {
	log := logging.NewFromEnv("orchestrator")
	rootCtx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("orchestrator: load config")
	}

	if cfg.StateStore.MigrateOnStart {
		if err := statestore.Migrate(cfg.StateStore.DSN); err != nil {
			log.WithError(err).Fatal("orchestrator: apply migrations")
		}
	}

	store, err := statestore.Open(cfg.StateStore.DSN, cfg.StateStore.MaxOpenConns,
		cfg.StateStore.MaxIdleConns, cfg.StateStore.ConnMaxLifetimeDuration())
	if err != nil {
		log.WithError(err).Fatal("orchestrator: open state store")
	}
	defer store.Close()

	bus, err := eventbus.New(store.DB(), cfg.EventBus.ListenDSN, "", log.WithContext(rootCtx))
	if err != nil {
		log.WithError(err).Fatal("orchestrator: open event bus")
	}
	defer bus.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.EventBus.RedisAddr, DB: cfg.EventBus.RedisDB, Password: cfg.EventBus.RedisPassword})
	defer rdb.Close()
	queues := eventbus.NewEngineQueues(rdb)

	cat, err := catalog.Load(cfg.Catalog.ManifestPath)
	if err != nil {
		log.WithError(err).Fatal("orchestrator: load engine catalog")
	}

	reg := registry.New(store)
	selector := dag.NewCatalogRegistrySelector(cat, reg, cfg.Registry.HeartbeatTTLDuration())
	builder := dag.New(selector, dag.PolicyWait)

	sched := scheduler.New(store, builder, bus, queues, log.WithContext(rootCtx))
	bus.Subscribe(sched.HandleEvent)

	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	sweeper := cron.New(cron.WithSeconds())
	if _, err := sweeper.AddFunc(cfg.Scheduler.TimeoutSweepCron, func() {
		n, err := sched.SweepExpiredLeases(ctx, 200)
		if err != nil {
			log.WithError(err).Warn("orchestrator: sweep expired leases failed")
			return
		}
		if n > 0 {
			log.WithField("count", n).Info("orchestrator: restored expired task leases")
		}
	}); err != nil {
		log.WithError(err).Fatal("orchestrator: schedule timeout sweep")
	}
	registrySweepCron := fmt.Sprintf("*/%d * * * * *", positiveOr(cfg.Registry.HeartbeatSweepIntervalSeconds, 10))
	if _, err := sweeper.AddFunc(registrySweepCron, func() {
		ids, err := reg.Sweep(ctx, cfg.Registry.HeartbeatTTLDuration())
		if err != nil {
			log.WithError(err).Warn("orchestrator: engine registry sweep failed")
			return
		}
		if len(ids) > 0 {
			log.WithField("count", len(ids)).Info("orchestrator: marked engine instances unhealthy")
		}
	}); err != nil {
		log.WithError(err).Fatal("orchestrator: schedule registry sweep")
	}
	sweeper.Start()
	defer func() {
		stopCtx := sweeper.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
		}
	}()

	go serveAdmin(cfg, log)

	log.Info("orchestrator: started")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("orchestrator: shutting down")
}

func positiveOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

func serveAdmin(cfg *config.Config, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.WithField("addr", addr).Info("orchestrator: admin server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("orchestrator: admin server stopped")
	}
}
