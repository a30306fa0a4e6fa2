package warden

import (
	"fmt"
	"time"

	"github.com/Will-Luck/Docker-Warden/internal/docker"
	"github.com/Will-Luck/Docker-Warden/internal/health"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// Action is the outcome of one decision for one container.
type Action int

const (
	ActionNop Action = iota
	ActionRestart
	ActionQuarantine
	ActionAutoUnquarantine
)

func (a Action) String() string {
	switch a {
	case ActionRestart:
		return "restart"
	case ActionQuarantine:
		return "quarantine"
	case ActionAutoUnquarantine:
		return "auto_unquarantine"
	default:
		return "nop"
	}
}

// backoffCeiling caps the computed backoff delay.
const backoffCeiling = 3600 * time.Second

// Decision carries the chosen action plus the context the supervisor
// needs to actuate it.
type Decision struct {
	Action Action
	Reason string
	// Delay defers a restart (backoff). Zero when backoff is off.
	Delay time.Duration
	// Count is the number of restart attempts already inside the
	// window when the decision was made.
	Count int
}

// Engine applies restart policy to one container at a time. It reads
// quarantine, history and the maintenance flag from the store; the
// policy config is passed in per tick so every worker in a tick sees
// the same snapshot.
type Engine struct {
	store *store.Store
}

func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st}
}

// Decide maps (observation, verdict, policy, history) to an action.
// Rules apply in strict precedence; the first match wins.
func (e *Engine) Decide(cfg store.Config, obs docker.Observation, stableID string, verdict health.Verdict, now time.Time) Decision {
	if e.store.IsMaintenanceActive() {
		return Decision{Action: ActionNop, Reason: "maintenance mode active"}
	}

	quarantined := e.store.IsQuarantined(stableID)
	if quarantined {
		if verdict == health.Healthy && obs.Running() {
			return Decision{Action: ActionAutoUnquarantine, Reason: "container recovered while quarantined"}
		}
		return Decision{Action: ActionNop, Reason: "quarantined"}
	}

	if verdict == health.ExitedOk && cfg.Restart.RespectManualStop {
		return Decision{Action: ActionNop, Reason: "clean exit respected"}
	}

	cooldown := time.Duration(cfg.Restart.CooldownSeconds) * time.Second
	if last, ok := e.store.LastRestart(stableID); ok && now.Sub(last) < cooldown {
		return Decision{Action: ActionNop, Reason: "cooldown"}
	}

	if !triggers(cfg.Restart.Mode, verdict) {
		return Decision{Action: ActionNop}
	}

	window := time.Duration(cfg.Restart.WindowSeconds) * time.Second
	count := e.store.RestartCount(stableID, window, now)
	if count >= cfg.Restart.MaxRestarts {
		return Decision{
			Action: ActionQuarantine,
			Reason: fmt.Sprintf("%d restarts in %s exceeded limit of %d", count, window, cfg.Restart.MaxRestarts),
			Count:  count,
		}
	}

	return Decision{
		Action: ActionRestart,
		Reason: restartReason(verdict, obs),
		Delay:  backoffDelay(cfg.Restart.Backoff, count),
		Count:  count,
	}
}

// triggers reports whether the verdict fires a restart under the mode.
// Healthy and Starting never trigger.
func triggers(mode string, verdict health.Verdict) bool {
	switch mode {
	case store.ModeOnFailure:
		return verdict == health.ExitedFail
	case store.ModeHealth:
		return verdict == health.Unhealthy
	default:
		return verdict == health.ExitedFail || verdict == health.Unhealthy
	}
}

func restartReason(verdict health.Verdict, obs docker.Observation) string {
	if verdict == health.ExitedFail {
		return fmt.Sprintf("exited with code %d", obs.ExitCode)
	}
	return "unhealthy"
}

// backoffDelay is initial x multiplier^count, capped. count is the
// number of attempts already in the window, so the first restart gets
// the initial delay.
func backoffDelay(b store.BackoffConfig, count int) time.Duration {
	if !b.Enabled {
		return 0
	}
	delay := float64(b.InitialSeconds)
	for i := 0; i < count; i++ {
		delay *= b.Multiplier
		if time.Duration(delay)*time.Second >= backoffCeiling {
			return backoffCeiling
		}
	}
	d := time.Duration(delay * float64(time.Second))
	if d > backoffCeiling {
		d = backoffCeiling
	}
	return d
}
