// Command retention-purger runs the Retention Purger (C9): a periodic sweep
// that deletes artifact bodies and scrubs job/session rows past their
// retention-derived purge_after deadline.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/r3e-network/dalston/internal/objectstore"
	"github.com/r3e-network/dalston/internal/platform/config"
	"github.com/r3e-network/dalston/internal/platform/logging"
	"github.com/r3e-network/dalston/internal/platform/metrics"
	"github.com/r3e-network/dalston/internal/platform/resilience"
	"github.com/r3e-network/dalston/internal/retention"
	"github.com/r3e-network/dalston/internal/statestore"
)

func main() {
	log := logging.NewFromEnv("retention-purger")
	rootCtx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("retention-purger: load config")
	}

	store, err := statestore.Open(cfg.StateStore.DSN, cfg.StateStore.MaxOpenConns,
		cfg.StateStore.MaxIdleConns, cfg.StateStore.ConnMaxLifetimeDuration())
	if err != nil {
		log.WithError(err).Fatal("retention-purger: open state store")
	}
	defer store.Close()

	objects, err := objectstore.NewLocalStore(cfg.ObjectStore.LocalBaseDir)
	if err != nil {
		log.WithError(err).Fatal("retention-purger: open object store")
	}

	cb := resilience.New(resilience.LenientDependencyCBConfig(log))
	purger := retention.New(retention.Config{
		SweepCron: cfg.Retention.SweepCron,
		BatchSize: cfg.Retention.SweepBatchSize,
	}, store, objects, cb, log.WithContext(rootCtx))

	go serveAdmin(cfg, log)

	ctx, cancel := context.WithCancel(rootCtx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("retention-purger: shutting down")
		cancel()
	}()

	log.WithField("sweep_cron", cfg.Retention.SweepCron).Info("retention-purger: started")
	if err := purger.Run(ctx); err != nil {
		log.WithError(err).Error("retention-purger: purger stopped with error")
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
	log.WithField("addr", addr).Info("retention-purger: admin server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("retention-purger: admin server stopped")
	}
}
