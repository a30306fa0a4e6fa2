package warden

import (
	"context"
	"fmt"
	"time"

	"github.com/Will-Luck/Docker-Warden/internal/clock"
	"github.com/Will-Luck/Docker-Warden/internal/docker"
	"github.com/Will-Luck/Docker-Warden/internal/identity"
	"github.com/Will-Luck/Docker-Warden/internal/logging"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// Service backs the control-plane semantics: status, container listing
// with computed fields, selection, manual actions, maintenance and
// config transfer. It owns no goroutines; every method is safe for
// concurrent use.
type Service struct {
	store       *store.Store
	api         docker.API
	clk         clock.Clock
	log         *logging.Logger
	stopTimeout int
}

func NewService(st *store.Store, api docker.API, clk clock.Clock, log *logging.Logger, stopTimeout int) *Service {
	if stopTimeout < 1 {
		stopTimeout = 10
	}
	return &Service{store: st, api: api, clk: clk, log: log, stopTimeout: stopTimeout}
}

// Status summarises the fleet.
type Status struct {
	TotalContainers     int        `json:"total_containers"`
	MonitoredContainers int        `json:"monitored_containers"`
	QuarantinedCount    int        `json:"quarantined_count"`
	MaintenanceActive   bool       `json:"maintenance_active"`
	MaintenanceSince    *time.Time `json:"maintenance_since,omitempty"`
}

// ContainerInfo is one fleet entry with computed supervision fields.
type ContainerInfo struct {
	StableID       string `json:"stable_id"`
	ContainerID    string `json:"container_id"`
	Name           string `json:"name"`
	State          string `json:"state"`
	Health         string `json:"health"`
	Monitored      bool   `json:"monitored"`
	Quarantined    bool   `json:"quarantined"`
	RecentRestarts int    `json:"recent_restarts"`
}

// Status returns fleet counts and the maintenance state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	observations, err := s.api.ListContainers(ctx, true)
	if err != nil {
		return Status{}, err
	}
	cfg := s.store.Snapshot()
	monitored := 0
	for _, obs := range observations {
		if Monitored(cfg, obs, identity.StableID(obs)) {
			monitored++
		}
	}
	maint := s.store.Maintenance()
	return Status{
		TotalContainers:     len(observations),
		MonitoredContainers: monitored,
		QuarantinedCount:    len(s.store.QuarantinedIDs()),
		MaintenanceActive:   maint.Active,
		MaintenanceSince:    maint.StartedAt,
	}, nil
}

// Containers lists the fleet with supervision fields computed from the
// current config and history.
func (s *Service) Containers(ctx context.Context) ([]ContainerInfo, error) {
	observations, err := s.api.ListContainers(ctx, true)
	if err != nil {
		return nil, err
	}
	cfg := s.store.Snapshot()
	window := time.Duration(cfg.Restart.WindowSeconds) * time.Second
	now := s.clk.Now()

	infos := make([]ContainerInfo, 0, len(observations))
	for _, obs := range observations {
		stableID := identity.StableID(obs)
		infos = append(infos, ContainerInfo{
			StableID:       stableID,
			ContainerID:    obs.ID,
			Name:           obs.Name,
			State:          obs.State,
			Health:         obs.Health,
			Monitored:      Monitored(cfg, obs, stableID),
			Quarantined:    s.store.IsQuarantined(stableID),
			RecentRestarts: s.store.RestartCount(stableID, window, now),
		})
	}
	return infos, nil
}

// resolve maps any user-supplied identifier to a stable id against the
// live fleet. Unknown tokens pass through so state for vanished
// containers stays addressable.
func (s *Service) resolve(ctx context.Context, token string) (string, error) {
	observations, err := s.api.ListContainers(ctx, true)
	if err != nil {
		return "", err
	}
	return identity.Resolve(token, observations), nil
}

// Select adds a container to the monitored selection.
func (s *Service) Select(ctx context.Context, token string) error {
	stableID, err := s.resolve(ctx, token)
	if err != nil {
		return err
	}
	_, err = s.store.AddSelected(stableID)
	return err
}

// Deselect removes a container from the monitored selection.
func (s *Service) Deselect(ctx context.Context, token string) error {
	stableID, err := s.resolve(ctx, token)
	if err != nil {
		return err
	}
	_, err = s.store.RemoveSelected(stableID)
	return err
}

// Exclude bars a container from monitoring regardless of any other
// eligibility path.
func (s *Service) Exclude(ctx context.Context, token string) error {
	stableID, err := s.resolve(ctx, token)
	if err != nil {
		return err
	}
	_, err = s.store.AddExcluded(stableID)
	return err
}

// Unexclude lifts an exclusion.
func (s *Service) Unexclude(ctx context.Context, token string) error {
	stableID, err := s.resolve(ctx, token)
	if err != nil {
		return err
	}
	_, err = s.store.RemoveExcluded(stableID)
	return err
}

// ManualRestart restarts a container on operator request. It bypasses
// cooldown and quota checks but the attempt is still recorded, so it
// counts toward the window like any other.
func (s *Service) ManualRestart(ctx context.Context, token string) error {
	observations, err := s.api.ListContainers(ctx, true)
	if err != nil {
		return err
	}
	stableID := identity.Resolve(token, observations)
	target := ""
	for _, obs := range observations {
		if identity.StableID(obs) == stableID {
			target = obs.ID
			break
		}
	}
	if target == "" {
		return fmt.Errorf("manual restart %s: %w", token, docker.ErrNotFound)
	}

	now := s.clk.Now()
	if err := s.store.RecordRestart(stableID, now); err != nil {
		return err
	}
	restartErr := s.api.Restart(ctx, target, s.stopTimeout)

	event := store.Event{
		Timestamp:   s.clk.Now(),
		StableID:    stableID,
		ContainerID: target,
		Kind:        store.KindManualRestart,
	}
	if restartErr != nil {
		event.Status = store.StatusFailure
		event.Message = fmt.Sprintf("manual restart failed: %v", restartErr)
	} else {
		event.Status = store.StatusSuccess
		event.Message = "manual restart"
	}
	if err := s.store.AppendEvent(event); err != nil {
		s.log.Error("could not append event", "kind", event.Kind, "container", stableID, "error", err)
	}
	return restartErr
}

// Unquarantine releases a container from quarantine on operator
// request and clears its restart history.
func (s *Service) Unquarantine(ctx context.Context, token string) error {
	stableID, err := s.resolve(ctx, token)
	if err != nil {
		// The fleet may be unreachable; quarantine state is still
		// addressable by stable id.
		stableID = token
	}
	if !s.store.IsQuarantined(stableID) {
		return fmt.Errorf("unquarantine %s: not quarantined", stableID)
	}
	if err := s.store.Unquarantine(stableID); err != nil {
		return err
	}
	event := store.Event{
		Timestamp: s.clk.Now(),
		StableID:  stableID,
		Kind:      store.KindManualUnquarantine,
		Status:    store.StatusSuccess,
		Message:   "released from quarantine by operator",
	}
	if err := s.store.AppendEvent(event); err != nil {
		s.log.Error("could not append event", "kind", event.Kind, "container", stableID, "error", err)
	}
	return nil
}

// SetMaintenance toggles maintenance mode.
func (s *Service) SetMaintenance(active bool) error {
	return s.store.SetMaintenance(active, s.clk.Now())
}

// Events returns the event log, oldest first.
func (s *Service) Events() []store.Event {
	return s.store.Events()
}

// ClearEvents empties the event log.
func (s *Service) ClearEvents() error {
	return s.store.ClearEvents()
}

// UpdateConfig applies a validated JSON merge patch to the policy
// configuration.
func (s *Service) UpdateConfig(patch map[string]any) (store.Config, error) {
	return s.store.UpdateConfig(patch)
}

// ExportConfig returns the configuration as one JSON document.
func (s *Service) ExportConfig() ([]byte, error) {
	return s.store.ExportConfig()
}

// ImportConfig replaces the configuration from a JSON or YAML
// document.
func (s *Service) ImportConfig(doc []byte) error {
	return s.store.ImportConfig(doc)
}
