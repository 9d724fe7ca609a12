// Package scheduler gates the periodic clock: it lets a tick through to
// the orchestrator only during the target hour of the target timezone.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/logging"
	"github.com/SirClappington/lendersync/internal/orchestrator"
)

// ShouldRun reports whether the local hour is the target hour. The caller
// ticks at a fixed interval, so equality is the whole window.
func ShouldRun(hour, targetHour int) bool { return hour == targetHour }

type DailyTrigger interface {
	TriggerDaily(ctx context.Context, req orchestrator.DailyRequest) (orchestrator.Result, error)
}

type Gate struct {
	loc        *time.Location
	targetHour int
	trigger    DailyTrigger
	log        *zap.Logger
}

func NewGate(loc *time.Location, targetHour int, trigger DailyTrigger, log *zap.Logger) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{loc: loc, targetHour: targetHour, trigger: trigger, log: logging.OrNop(log)}
}

// Tick converts the nominal fire time into the target timezone and starts
// that local date's daily run when the hour matches.
func (g *Gate) Tick(ctx context.Context, fireTime time.Time) (orchestrator.Result, error) {
	local := fireTime.In(g.loc)
	if !ShouldRun(local.Hour(), g.targetHour) {
		g.log.Debug("tick outside target hour", zap.Time("local", local), zap.Int("target_hour", g.targetHour))
		return orchestrator.Skipped(orchestrator.ReasonOutsideTargetHour, ""), nil
	}
	return g.trigger.TriggerDaily(ctx, orchestrator.DailyRequest{Date: local.Format(domain.DateLayout)})
}
