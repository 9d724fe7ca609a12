package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/lendersync/internal/app"
	"github.com/SirClappington/lendersync/internal/collect"
	"github.com/SirClappington/lendersync/internal/config"
	"github.com/SirClappington/lendersync/internal/consumer"
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

	fetcher, err := collect.NewHTTPFetcher(cfg.SourceBaseURL, cfg.FetchRatePerSec, cfg.FetchTimeout)
	if err != nil {
		log.Fatal("fetcher", zap.Error(err))
	}
	c := consumer.New(deps.Queue, deps.Registry, collect.New(fetcher, deps.Blobs, log), consumer.Options{
		MaxAttempts:  cfg.MaxAttempts,
		Concurrency:  cfg.WorkerConcurrency,
		BatchSize:    cfg.WorkerBatchSize,
		PollInterval: cfg.WorkerPollInterval,
		Logger:       log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				ready, delayed, inflight, err := deps.Queue.Depth(gctx)
				if err != nil {
					log.Warn("queue depth", zap.Error(err))
					continue
				}
				log.Info("queue depth", zap.Int64("ready", ready), zap.Int64("delayed", delayed), zap.Int64("inflight", inflight))
			}
		}
	})
	log.Info("worker started", zap.String("queue", cfg.QueueName), zap.Int("concurrency", cfg.WorkerConcurrency))
	if err := g.Wait(); err != nil {
		log.Error("worker stopped", zap.Error(err))
	}
	log.Info("worker drained", zap.Int64("processed", c.Processed()))
}
