// Command session-router runs the Session Router (C8) as its own process:
// a chi-routed JSON API in front of internal/sessionrouter.Router, plus the
// background health-monitor/reconcile loop Router.Run drives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/dalston/internal/platform/config"
	"github.com/r3e-network/dalston/internal/platform/logging"
	"github.com/r3e-network/dalston/internal/platform/metrics"
	"github.com/r3e-network/dalston/internal/sessionapi"
	"github.com/r3e-network/dalston/internal/sessionrouter"
	"github.com/r3e-network/dalston/internal/statestore"
)

func main() {
	log := logging.NewFromEnv("session-router")
	rootCtx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("session-router: load config")
	}

	store, err := statestore.Open(cfg.StateStore.DSN, cfg.StateStore.MaxOpenConns,
		cfg.StateStore.MaxIdleConns, cfg.StateStore.ConnMaxLifetimeDuration())
	if err != nil {
		log.WithError(err).Fatal("session-router: open state store")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.SessionRouter.RedisAddr,
		DB:       cfg.SessionRouter.RedisDB,
		Password: cfg.SessionRouter.RedisPassword,
	})
	defer rdb.Close()

	router := sessionrouter.New(sessionrouter.Config{
		WorkerHeartbeatTTL: cfg.SessionRouter.SessionTTLDuration(),
		ReconcileInterval:  cfg.SessionRouter.ReconcileIntervalDuration(),
		TicketTTL:          cfg.SessionRouter.TicketTTLDuration(),
	}, store, rdb, log.WithContext(rootCtx))

	api := sessionapi.New(router, log.WithContext(rootCtx))

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
		log.Info("session-router: shutting down")
		cancel()
	}()

	go func() {
		if err := router.Run(ctx); err != nil {
			log.WithError(err).Error("session-router: health monitor stopped with error")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("session-router: started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("session-router: server stopped")
	}
}
