package store

import "time"

// Maintenance is the global pause flag. While active the decision
// engine returns no action for any container.
type Maintenance struct {
	Active    bool       `json:"active"`
	StartedAt *time.Time `json:"started_at"`
}

// SetMaintenance toggles maintenance mode. ts records when the mode
// was entered; it is cleared on deactivation.
func (s *Store) SetMaintenance(active bool, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.maint
	if active {
		utc := ts.UTC()
		s.maint = Maintenance{Active: true, StartedAt: &utc}
	} else {
		s.maint = Maintenance{}
	}
	if err := s.persistMaintenance(); err != nil {
		s.maint = prev
		return err
	}
	return nil
}

// Maintenance returns the current maintenance flag.
func (s *Store) Maintenance() Maintenance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maint
}

// IsMaintenanceActive reports whether maintenance mode is on.
func (s *Store) IsMaintenanceActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maint.Active
}
