// Package reconcile aligns stored bot status with live engine
// observations. Status hints written by lifecycle verbs ("starting",
// "restarting") decay into reality here: a crashed container reads as
// stopped, a recovered one as running.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mcclowin/probots/internal/engine"
	"github.com/mcclowin/probots/internal/store"
)

// StatusFunc observes one bot's live container status.
type StatusFunc func(ctx context.Context, name string) engine.Status

// Sweeper runs the periodic reconciliation pass.
type Sweeper struct {
	bots     store.BotStore
	status   StatusFunc
	schedule string
}

// New validates the cron schedule and returns the sweeper.
func New(bots store.BotStore, status StatusFunc, schedule string) (*Sweeper, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid reconcile schedule %q", schedule)
	}
	return &Sweeper{bots: bots, status: status, schedule: schedule}, nil
}

// Run sweeps on the configured schedule until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("reconcile sweeper running", "schedule", s.schedule)
	for {
		next, err := gronx.NextTick(s.schedule, false)
		if err != nil {
			slog.Error("reconcile schedule evaluation failed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		s.SweepOnce(ctx)
	}
}

// SweepOnce reconciles every record against the engine. Per-bot failures
// are logged and skipped; one sick bot must not starve the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	records, err := s.bots.ListAll(ctx)
	if err != nil {
		slog.Error("reconcile: list bots failed", "error", err)
		return
	}

	updated := 0
	for _, bot := range records {
		observed, ok := recordStatus(s.status(ctx, bot.Name))
		if !ok || observed == bot.Status {
			continue
		}
		if err := s.bots.UpdateStatus(ctx, bot.Name, observed); err != nil {
			slog.Warn("reconcile: status update failed", "bot", bot.Name, "error", err)
			continue
		}
		slog.Info("reconciled status", "bot", bot.Name, "from", bot.Status, "to", observed)
		updated++
	}
	if updated > 0 {
		slog.Debug("reconcile pass complete", "bots", len(records), "updated", updated)
	}
}

// recordStatus maps an observation onto the stored status enum. Unknown
// means "cannot currently confirm" and never overwrites stored state.
func recordStatus(observed engine.Status) (string, bool) {
	switch observed {
	case engine.StatusRunning:
		return "running", true
	case engine.StatusRestarting:
		return "restarting", true
	case engine.StatusExited, engine.StatusNotFound:
		return "stopped", true
	default:
		return "", false
	}
}
