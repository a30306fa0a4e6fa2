package store

import "sort"

// Quarantine adds id to the quarantine set. Idempotent.
func (s *Store) Quarantine(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quarantine[id]; ok {
		return nil
	}
	s.quarantine[id] = struct{}{}
	if err := s.persistQuarantine(); err != nil {
		delete(s.quarantine, id)
		return err
	}
	return nil
}

// Unquarantine removes id from the quarantine set and clears its
// restart history so the container re-enters rotation with a clean
// slate. Idempotent.
func (s *Store) Unquarantine(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quarantine[id]; ok {
		delete(s.quarantine, id)
		if err := s.persistQuarantine(); err != nil {
			s.quarantine[id] = struct{}{}
			return err
		}
	}
	return s.clearHistoryLocked(id)
}

// IsQuarantined reports whether id is in the quarantine set.
func (s *Store) IsQuarantined(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.quarantine[id]
	return ok
}

// QuarantinedIDs returns the quarantine set, sorted for stable output.
func (s *Store) QuarantinedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.quarantine))
	for id := range s.quarantine {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
