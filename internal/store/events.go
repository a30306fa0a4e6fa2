package store

import "time"

// Event kinds.
const (
	KindRestart            = "restart"
	KindHealthFailed       = "health_failed"
	KindQuarantine         = "quarantine"
	KindAutoUnquarantine   = "auto_unquarantine"
	KindAutoMonitor        = "auto_monitor"
	KindManualRestart      = "manual_restart"
	KindManualUnquarantine = "manual_unquarantine"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusInfo    = "info"
)

// Event is one append-only action record. The log is a bounded ring:
// appending at capacity evicts the oldest entry.
type Event struct {
	Timestamp    time.Time `json:"ts_utc"`
	StableID     string    `json:"stable_id"`
	ContainerID  string    `json:"container_id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	AttemptCount int       `json:"attempt_count,omitempty"`
}

// AppendEvent appends e, evicting oldest entries past the configured
// cap, and persists.
func (s *Store) AppendEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Timestamp = e.Timestamp.UTC()
	prev := s.events
	next := append(append([]Event{}, prev...), e)
	if limit := s.cfg.UI.MaxLogEntries; limit > 0 && len(next) > limit {
		next = next[len(next)-limit:]
	}
	s.events = next
	if err := s.persistEvents(); err != nil {
		s.events = prev
		return err
	}
	return nil
}

// Events returns a copy of the event log, oldest first.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event{}, s.events...)
}

// ClearEvents empties the event log.
func (s *Store) ClearEvents() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.events
	s.events = nil
	if err := s.persistEvents(); err != nil {
		s.events = prev
		return err
	}
	return nil
}
