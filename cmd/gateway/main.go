// Command gateway runs the Gateway (C10): the stateless HTTP/WebSocket
// surface tenants actually call. It wires internal/gatewayapi directly onto
// the same Scheduler, DAG Builder, Catalog, and Registry collaborators
// cmd/orchestrator runs, plus a client onto the Session Router process's
// HTTP API for real-time session accounting. Any number of gateway
// replicas can run behind a load balancer since none of them hold
// in-memory session or job state.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/dalston/internal/catalog"
	"github.com/r3e-network/dalston/internal/dag"
	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/gatewayapi"
	"github.com/r3e-network/dalston/internal/objectstore"
	"github.com/r3e-network/dalston/internal/platform/config"
	"github.com/r3e-network/dalston/internal/platform/logging"
	"github.com/r3e-network/dalston/internal/platform/metrics"
	"github.com/r3e-network/dalston/internal/platform/ratelimit"
	"github.com/r3e-network/dalston/internal/platform/resilience"
	"github.com/r3e-network/dalston/internal/registry"
	"github.com/r3e-network/dalston/internal/scheduler"
	"github.com/r3e-network/dalston/internal/statestore"
)

func main() {
	log := logging.NewFromEnv("gateway")
	rootCtx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("gateway: load config")
	}

	store, err := statestore.Open(cfg.StateStore.DSN, cfg.StateStore.MaxOpenConns,
		cfg.StateStore.MaxIdleConns, cfg.StateStore.ConnMaxLifetimeDuration())
	if err != nil {
		log.WithError(err).Fatal("gateway: open state store")
	}
	defer store.Close()

	bus, err := eventbus.New(store.DB(), cfg.EventBus.ListenDSN, "", log.WithContext(rootCtx))
	if err != nil {
		log.WithError(err).Fatal("gateway: open event bus")
	}
	defer bus.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.EventBus.RedisAddr, DB: cfg.EventBus.RedisDB, Password: cfg.EventBus.RedisPassword})
	defer rdb.Close()
	queues := eventbus.NewEngineQueues(rdb)

	cat, err := catalog.Load(cfg.Catalog.ManifestPath)
	if err != nil {
		log.WithError(err).Fatal("gateway: load engine catalog")
	}

	reg := registry.New(store)
	selector := dag.NewCatalogRegistrySelector(cat, reg, cfg.Registry.HeartbeatTTLDuration())
	builder := dag.New(selector, dag.PolicyWait)

	sched := scheduler.New(store, builder, bus, queues, log.WithContext(rootCtx))

	objects, err := objectstore.NewLocalStore(cfg.ObjectStore.LocalBaseDir)
	if err != nil {
		log.WithError(err).Fatal("gateway: open object store")
	}

	limiter := ratelimit.NewRegistry(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, time.Hour)

	sessionRouterBreaker := resilience.New(resilience.DefaultConfig())
	sessionClient := gatewayapi.NewSessionRouterClient(cfg.Gateway.SessionRouterURL, sessionRouterBreaker, log.WithContext(rootCtx))

	api := gatewayapi.New(gatewayapi.Config{
		StreamIdleTimeout: cfg.Gateway.StreamIdleTimeoutDuration(),
	}, sched, builder, cat, reg, objects, sessionClient, limiter, log.WithContext(rootCtx))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	api.Mount(r)

	ctx, cancel := context.WithCancel(rootCtx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("gateway: shutting down")
		cancel()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("gateway: started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("gateway: server stopped")
	}
}
