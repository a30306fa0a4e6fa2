// Package warden contains the decision engine and the supervisor loop
// that together drive monitoring, restarts and quarantine.
package warden

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Will-Luck/Docker-Warden/internal/clock"
	"github.com/Will-Luck/Docker-Warden/internal/docker"
	"github.com/Will-Luck/Docker-Warden/internal/health"
	"github.com/Will-Luck/Docker-Warden/internal/identity"
	"github.com/Will-Luck/Docker-Warden/internal/logging"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// Notifier fans an event out to the configured notification channels.
// Implementations must not block.
type Notifier interface {
	Publish(e store.Event)
}

// StatusSource reports externally observed container state, such as an
// Uptime Kuma monitor mapped to the container.
type StatusSource interface {
	Down(stableID string) bool
}

// Recorder receives metrics updates from the supervisor.
type Recorder interface {
	ObserveTickDuration(d time.Duration)
	SetFleetGauges(monitored, unhealthy, quarantined int)
	CountRestart(container, result string)
	CountAction(action string)
	Export(path string)
}

type nopNotifier struct{}

func (nopNotifier) Publish(store.Event) {}

type nopRecorder struct{}

func (nopRecorder) ObserveTickDuration(time.Duration) {}
func (nopRecorder) SetFleetGauges(int, int, int)      {}
func (nopRecorder) CountRestart(string, string)       {}
func (nopRecorder) CountAction(string)                {}
func (nopRecorder) Export(string)                     {}

// restartMargin is added on top of the graceful-stop timeout before a
// restart call is abandoned.
const restartMargin = 30 * time.Second

// Supervisor drives the periodic monitoring tick: list the fleet,
// decide per container in bounded-parallel workers, actuate.
type Supervisor struct {
	store   *store.Store
	api     docker.API
	eval    *health.Evaluator
	engine  *Engine
	clk     clock.Clock
	log     *logging.Logger
	notify  Notifier
	metrics Recorder
	kuma    StatusSource

	stopTimeout int
	workers     int

	// busy serializes actions per stable id across overlapping ticks.
	busyMu sync.Mutex
	busy   map[string]struct{}
}

// SupervisorOptions wires the supervisor's collaborators. Notify,
// Metrics and Kuma may be nil.
type SupervisorOptions struct {
	Store       *store.Store
	API         docker.API
	Clock       clock.Clock
	Log         *logging.Logger
	Notify      Notifier
	Metrics     Recorder
	Kuma        StatusSource
	StopTimeout int
	Workers     int
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Notify == nil {
		opts.Notify = nopNotifier{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.StopTimeout < 1 {
		opts.StopTimeout = 10
	}
	return &Supervisor{
		store:       opts.Store,
		api:         opts.API,
		eval:        health.NewEvaluator(opts.API),
		engine:      NewEngine(opts.Store),
		clk:         opts.Clock,
		log:         opts.Log,
		notify:      opts.Notify,
		metrics:     opts.Metrics,
		kuma:        opts.Kuma,
		stopTimeout: opts.StopTimeout,
		workers:     opts.Workers,
	}
}

// Run drives ticks until ctx is cancelled. The interval is re-read
// from the store each cycle so config changes apply on the next tick.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		interval := time.Duration(s.store.Snapshot().Monitor.IntervalSeconds) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(interval):
		}
		s.Tick(ctx)
	}
}

// Tick runs one monitoring sweep.
func (s *Supervisor) Tick(ctx context.Context) {
	start := s.clk.Now()
	defer func() {
		s.metrics.ObserveTickDuration(s.clk.Since(start))
	}()

	cfg := s.store.Snapshot()
	if s.store.IsMaintenanceActive() {
		s.log.Debug("maintenance mode active, skipping sweep")
		return
	}

	observations, err := s.api.ListContainers(ctx, true)
	if err != nil {
		s.log.Warn("container list failed", "error", err)
		return
	}

	var monitored, unhealthy atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, obs := range observations {
		stableID := identity.StableID(obs)
		if !Monitored(cfg, obs, stableID) {
			continue
		}
		monitored.Add(1)
		if !s.acquire(stableID) {
			// An action from a previous tick is still in flight.
			continue
		}
		obs := obs
		g.Go(func() error {
			failing, detached := s.process(ctx, cfg, obs, stableID)
			if !detached {
				s.release(stableID)
			}
			if failing {
				unhealthy.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	s.metrics.SetFleetGauges(int(monitored.Load()), int(unhealthy.Load()), len(s.store.QuarantinedIDs()))
	if path := cfg.Observability.TextfilePath; path != "" {
		s.metrics.Export(path)
	}
}

// process evaluates and actuates one container. failing reports whether
// the container was found failing (unhealthy or exited non-zero);
// detached reports that a deferred restart took the busy latch with it
// and will release it when done.
func (s *Supervisor) process(ctx context.Context, cfg store.Config, listed docker.Observation, stableID string) (failing, detached bool) {
	// The list entry lacks exit code and health detail; inspect gives
	// the full picture.
	obs, err := s.api.Inspect(ctx, listed.ID)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			s.log.Info("container vanished before inspect", "container", stableID)
			return false, false
		}
		s.log.Warn("inspect failed", "container", stableID, "error", err)
		s.appendEvent(store.Event{
			Timestamp:   s.clk.Now(),
			StableID:    stableID,
			ContainerID: listed.ID,
			Kind:        store.KindHealthFailed,
			Status:      store.StatusFailure,
			Message:     fmt.Sprintf("inspect failed: %v", err),
		})
		return false, false
	}

	var probe *store.Probe
	if p, ok := cfg.CustomHealthChecks[stableID]; ok {
		probe = &p
	}
	verdict := s.eval.Evaluate(ctx, obs, probe)
	if verdict == health.Healthy && s.kuma != nil && s.kuma.Down(stableID) {
		// The container looks fine from the inside, but its mapped
		// external monitor reports it down.
		verdict = health.Unhealthy
	}
	failing = verdict == health.Unhealthy || verdict == health.ExitedFail

	decision := s.engine.Decide(cfg, obs, stableID, verdict, s.clk.Now())
	switch decision.Action {
	case ActionRestart:
		detached = s.actuateRestart(ctx, cfg, obs, stableID, decision)
	case ActionQuarantine:
		s.actuateQuarantine(obs, stableID, decision)
	case ActionAutoUnquarantine:
		s.actuateUnquarantine(obs, stableID)
	default:
		if decision.Reason != "" {
			s.log.Debug("no action", "container", stableID, "reason", decision.Reason)
		}
	}
	s.metrics.CountAction(decision.Action.String())
	return failing, detached
}

// actuateRestart records the attempt and restarts the container. A
// backoff-deferred restart waits on its own goroutine while holding the
// container's busy latch, so the sweep schedule keeps running and
// subsequent ticks see the pending attempt through the cooldown rule;
// the return value reports that hand-off.
func (s *Supervisor) actuateRestart(ctx context.Context, cfg store.Config, obs docker.Observation, stableID string, d Decision) bool {
	now := s.clk.Now()
	scheduled := now.Add(d.Delay)

	// Record the attempt at its scheduled time before touching the
	// runtime, so concurrent ticks see it through the cooldown rule.
	if err := s.store.RecordRestart(stableID, scheduled); err != nil {
		s.log.Error("could not record restart attempt, skipping", "container", stableID, "error", err)
		return false
	}

	if d.Delay > 0 {
		s.log.Info("restart deferred by backoff", "container", stableID, "delay", d.Delay)
		go func() {
			defer s.release(stableID)
			select {
			case <-s.clk.After(d.Delay):
			case <-ctx.Done():
				return
			}
			s.performRestart(ctx, cfg, obs, stableID, d)
		}()
		return true
	}

	s.performRestart(ctx, cfg, obs, stableID, d)
	return false
}

func (s *Supervisor) performRestart(ctx context.Context, cfg store.Config, obs docker.Observation, stableID string, d Decision) {
	rctx, cancel := context.WithTimeout(ctx, time.Duration(s.stopTimeout)*time.Second+restartMargin)
	err := s.api.Restart(rctx, obs.ID, s.stopTimeout)
	cancel()

	attempt := d.Count + 1
	event := store.Event{
		Timestamp:    s.clk.Now(),
		StableID:     stableID,
		ContainerID:  obs.ID,
		Kind:         store.KindRestart,
		AttemptCount: attempt,
	}
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			s.log.Info("container vanished before restart", "container", stableID)
			return
		}
		s.log.Warn("restart failed", "container", stableID, "attempt", attempt, "error", err)
		event.Status = store.StatusFailure
		event.Message = fmt.Sprintf("restart failed (%s): %v", d.Reason, err)
		s.metrics.CountRestart(stableID, "failure")
	} else {
		s.log.Info("container restarted", "container", stableID, "reason", d.Reason, "attempt", attempt)
		event.Status = store.StatusSuccess
		event.Message = fmt.Sprintf("restarted: %s", d.Reason)
		s.metrics.CountRestart(stableID, "success")
	}
	s.appendEvent(event)
	if cfg.Alerts.OnRestart {
		s.notify.Publish(event)
	}
}

func (s *Supervisor) actuateQuarantine(obs docker.Observation, stableID string, d Decision) {
	if err := s.store.Quarantine(stableID); err != nil {
		s.log.Error("could not persist quarantine", "container", stableID, "error", err)
		return
	}
	s.log.Warn("container quarantined", "container", stableID, "reason", d.Reason)
	event := store.Event{
		Timestamp:    s.clk.Now(),
		StableID:     stableID,
		ContainerID:  obs.ID,
		Kind:         store.KindQuarantine,
		Status:       store.StatusInfo,
		Message:      d.Reason,
		AttemptCount: d.Count,
	}
	s.appendEvent(event)
	if s.store.Snapshot().Alerts.OnQuarantine {
		s.notify.Publish(event)
	}
}

func (s *Supervisor) actuateUnquarantine(obs docker.Observation, stableID string) {
	if err := s.store.Unquarantine(stableID); err != nil {
		s.log.Error("could not persist unquarantine", "container", stableID, "error", err)
		return
	}
	s.log.Info("container released from quarantine", "container", stableID)
	event := store.Event{
		Timestamp:   s.clk.Now(),
		StableID:    stableID,
		ContainerID: obs.ID,
		Kind:        store.KindAutoUnquarantine,
		Status:      store.StatusSuccess,
		Message:     "recovered, released from quarantine",
	}
	s.appendEvent(event)
	if s.store.Snapshot().Alerts.OnUnquarantine {
		s.notify.Publish(event)
	}
}

// appendEvent logs instead of failing: a full event log must never
// stop an actuation from being reported elsewhere.
func (s *Supervisor) appendEvent(e store.Event) {
	if err := s.store.AppendEvent(e); err != nil {
		s.log.Error("could not append event", "kind", e.Kind, "container", e.StableID, "error", err)
	}
}

func (s *Supervisor) acquire(id string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if s.busy == nil {
		s.busy = make(map[string]struct{})
	}
	if _, inFlight := s.busy[id]; inFlight {
		return false
	}
	s.busy[id] = struct{}{}
	return true
}

func (s *Supervisor) release(id string) {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	delete(s.busy, id)
}
