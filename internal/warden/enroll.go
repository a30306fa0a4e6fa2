package warden

import (
	"context"
	"errors"

	"github.com/Will-Luck/Docker-Warden/internal/clock"
	"github.com/Will-Luck/Docker-Warden/internal/docker"
	"github.com/Will-Luck/Docker-Warden/internal/identity"
	"github.com/Will-Luck/Docker-Warden/internal/logging"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// Enroller consumes container-start events and adds containers that
// carry the opt-in label to the monitored selection. It runs on its
// own goroutine so a stalled event stream can never delay the
// supervisor's tick schedule.
type Enroller struct {
	store  *store.Store
	api    docker.API
	clk    clock.Clock
	log    *logging.Logger
	notify Notifier
}

// NewEnroller wires an auto-enroll listener. notify may be nil.
func NewEnroller(st *store.Store, api docker.API, clk clock.Clock, log *logging.Logger, notify Notifier) *Enroller {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Enroller{store: st, api: api, clk: clk, log: log, notify: notify}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (e *Enroller) Run(ctx context.Context, events <-chan docker.StartEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handle(ctx, ev)
		}
	}
}

func (e *Enroller) handle(ctx context.Context, ev docker.StartEvent) {
	cfg := e.store.Snapshot()

	// The start event's attributes carry labels, but the inspect gives
	// the authoritative set plus everything identity derivation needs.
	obs, err := e.api.Inspect(ctx, ev.ContainerID)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			e.log.Debug("started container already gone", "container", ev.ContainerName)
			return
		}
		e.log.Warn("inspect after start event failed", "container", ev.ContainerName, "error", err)
		return
	}

	if obs.Labels[cfg.Monitor.LabelKey] != cfg.Monitor.LabelValue {
		return
	}
	stableID := identity.StableID(obs)
	for _, excluded := range cfg.Containers.Excluded {
		if excluded == stableID {
			return
		}
	}

	added, err := e.store.AddSelected(stableID)
	if err != nil {
		e.log.Error("could not enroll container", "container", stableID, "error", err)
		return
	}
	if !added {
		// Replayed or duplicate start event.
		return
	}

	e.log.Info("container auto-enrolled", "container", stableID)
	event := store.Event{
		Timestamp:   e.clk.Now(),
		StableID:    stableID,
		ContainerID: obs.ID,
		Kind:        store.KindAutoMonitor,
		Status:      store.StatusInfo,
		Message:     "enrolled via opt-in label",
	}
	if err := e.store.AppendEvent(event); err != nil {
		e.log.Error("could not append event", "kind", event.Kind, "container", stableID, "error", err)
	}
	if cfg.Alerts.OnAutoMonitor {
		e.notify.Publish(event)
	}
}
