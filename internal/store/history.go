package store

import "time"

// historyRetention is the floor on how long restart timestamps are
// kept, so shrinking the window never silently forgets recent attempts.
const historyRetention = 24 * time.Hour

// RecordRestart appends a restart attempt timestamp for id and bumps
// the legacy lifetime counter. The timestamp may lie in the near
// future when a backoff delay schedules the attempt ahead of time.
func (s *Store) RecordRestart(id string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.history[id]
	s.history[id] = append(append([]time.Time{}, prev...), ts.UTC())
	if err := s.persistHistory(); err != nil {
		if prev == nil {
			delete(s.history, id)
		} else {
			s.history[id] = prev
		}
		return err
	}

	if s.cfg.Containers.RestartCounts == nil {
		s.cfg.Containers.RestartCounts = make(map[string]int)
	}
	s.cfg.Containers.RestartCounts[id]++
	if err := s.persistConfig(); err != nil {
		// The attempt itself is durable; a stale lifetime total is
		// tolerable and corrected on the next successful persist.
		s.cfg.Containers.RestartCounts[id]--
	}
	return nil
}

// RestartCount returns how many restart attempts for id fall inside
// the trailing window ending at now. Scheduled (future) attempts
// count. Entries older than max(window, 24h) are pruned as a side
// effect.
func (s *Store) RestartCount(id string, window time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps, ok := s.history[id]
	if !ok {
		return 0
	}

	retention := window
	if retention < historyRetention {
		retention = historyRetention
	}
	keepAfter := now.Add(-retention)
	kept := stamps[:0:0]
	for _, t := range stamps {
		if t.After(keepAfter) {
			kept = append(kept, t)
		}
	}
	if len(kept) != len(stamps) {
		if len(kept) == 0 {
			delete(s.history, id)
		} else {
			s.history[id] = kept
		}
		// Pruning drops only dead entries, so a failed persist here is
		// harmless and retried on the next mutation.
		_ = s.persistHistory()
	}

	cutoff := now.Add(-window)
	count := 0
	for _, t := range kept {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// LastRestart returns the most recent recorded attempt for id. The
// second return is false when no attempt is recorded.
func (s *Store) LastRestart(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := s.history[id]
	if len(stamps) == 0 {
		return time.Time{}, false
	}
	last := stamps[0]
	for _, t := range stamps[1:] {
		if t.After(last) {
			last = t
		}
	}
	return last, true
}

// ClearHistory removes all restart attempts recorded for id.
func (s *Store) ClearHistory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearHistoryLocked(id)
}

func (s *Store) clearHistoryLocked(id string) error {
	prev, had := s.history[id]
	if !had {
		return nil
	}
	delete(s.history, id)
	if err := s.persistHistory(); err != nil {
		s.history[id] = prev
		return err
	}
	return nil
}
