package warden

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Will-Luck/Docker-Warden/internal/clock"
	"github.com/Will-Luck/Docker-Warden/internal/logging"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// MaintenanceScheduler toggles maintenance mode on a recurring cron
// schedule. It never touches a flag an operator set by hand: it only
// clears the activation it performed itself.
type MaintenanceScheduler struct {
	store *store.Store
	clk   clock.Clock
	log   *logging.Logger

	// startedAt identifies the activation this scheduler owns.
	startedAt *time.Time
}

func NewMaintenanceScheduler(st *store.Store, clk clock.Clock, log *logging.Logger) *MaintenanceScheduler {
	return &MaintenanceScheduler{store: st, clk: clk, log: log}
}

// pollInterval bounds how stale a schedule change can get.
const pollInterval = time.Minute

// Run drives the schedule until ctx is cancelled. The schedule is
// re-read from the store so config changes apply without a restart.
func (m *MaintenanceScheduler) Run(ctx context.Context) {
	for {
		wait := m.step()
		if wait > pollInterval {
			wait = pollInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(wait):
		}
	}
}

// step performs any due transition and returns how long until the next
// one.
func (m *MaintenanceScheduler) step() time.Duration {
	cfg := m.store.Snapshot()
	mw := cfg.MaintenanceWindows
	now := m.clk.Now()

	// Close our own window when its duration has elapsed.
	if m.startedAt != nil {
		current := m.store.Maintenance()
		if !current.Active || current.StartedAt == nil || !current.StartedAt.Equal(*m.startedAt) {
			// Operator intervened; the window is no longer ours.
			m.startedAt = nil
		} else {
			end := m.startedAt.Add(time.Duration(mw.DurationMinutes) * time.Minute)
			if now.Before(end) {
				return end.Sub(now)
			}
			if err := m.store.SetMaintenance(false, now); err != nil {
				m.log.Error("could not end maintenance window", "error", err)
				return pollInterval
			}
			m.log.Info("scheduled maintenance window ended")
			m.startedAt = nil
		}
	}

	if mw.Schedule == "" {
		return pollInterval
	}
	sched, err := cron.ParseStandard(mw.Schedule)
	if err != nil {
		// Validation rejects bad schedules; a stale store entry should
		// not spin the loop.
		return pollInterval
	}

	next := sched.Next(now.Add(-time.Second))
	if next.After(now) {
		return next.Sub(now)
	}

	if m.store.IsMaintenanceActive() {
		return pollInterval
	}
	if err := m.store.SetMaintenance(true, now); err != nil {
		m.log.Error("could not start maintenance window", "error", err)
		return pollInterval
	}
	started := m.store.Maintenance().StartedAt
	m.startedAt = started
	m.log.Info("scheduled maintenance window started", "duration_minutes", mw.DurationMinutes)
	return time.Duration(mw.DurationMinutes) * time.Minute
}
