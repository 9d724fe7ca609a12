package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/lendersync/internal/api"
	"github.com/SirClappington/lendersync/internal/app"
	"github.com/SirClappington/lendersync/internal/config"
	"github.com/SirClappington/lendersync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.Dev(), cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("open backends", zap.Error(err))
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Warn("close backends", zap.Error(err))
		}
	}()
	orch, err := deps.Orchestrator()
	if err != nil {
		log.Fatal("build orchestrator", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(orch, deps.Registry, deps.Locks, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "api: listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	if err := g.Wait(); err != nil {
		log.Error("api stopped", zap.Error(err))
	}
}
