package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/lendersync/internal/app"
	"github.com/SirClappington/lendersync/internal/config"
	"github.com/SirClappington/lendersync/internal/logging"
	"github.com/SirClappington/lendersync/internal/scheduler"
)

// Every replica may tick; the per-date lock lets one of them through.
const schedule = "0 * * * *"

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
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal("timezone", zap.Error(err))
	}
	gate := scheduler.NewGate(loc, cfg.TargetHour, orch, log)

	// The cron clock runs in UTC; the gate does the timezone conversion.
	c := cron.New(cron.WithLocation(time.UTC))
	_, err = c.AddFunc(schedule, func() {
		fire := time.Now().Truncate(time.Hour)
		res, err := gate.Tick(ctx, fire)
		if err != nil {
			log.Error("scheduled run failed", zap.Time("fire_time", fire), zap.Error(err))
			return
		}
		log.Info("tick",
			zap.Time("fire_time", fire),
			zap.Bool("ok", res.OK),
			zap.String("reason", res.Reason),
			zap.String("run_id", res.RunID),
			zap.Int("enqueued", res.Enqueued),
		)
	})
	if err != nil {
		log.Fatal("register schedule", zap.Error(err))
	}

	c.Start()
	log.Info("scheduler started", zap.String("cron", schedule), zap.String("timezone", loc.String()), zap.Int("target_hour", cfg.TargetHour))
	<-ctx.Done()
	<-c.Stop().Done()
}
