package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return s, dir
}

func TestOpenWritesDefaultConfig(t *testing.T) {
	_, dir := openTestStore(t)
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Errorf("config.json not written on first open: %v", err)
	}
}

func TestMutationsSurviveReopen(t *testing.T) {
	s, dir := openTestStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if _, err := s.AddSelected("shop_api"); err != nil {
		t.Fatalf("AddSelected: %v", err)
	}
	if err := s.RecordRestart("shop_api", now); err != nil {
		t.Fatalf("RecordRestart: %v", err)
	}
	if err := s.Quarantine("shop_db"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if err := s.AppendEvent(Event{Timestamp: now, StableID: "shop_api", Kind: KindRestart, Status: StatusSuccess, Message: "restarted"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.SetMaintenance(true, now); err != nil {
		t.Fatalf("SetMaintenance: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cfg := reopened.Snapshot()
	if len(cfg.Containers.Selected) != 1 || cfg.Containers.Selected[0] != "shop_api" {
		t.Errorf("selected not durable: %v", cfg.Containers.Selected)
	}
	if got := reopened.RestartCount("shop_api", time.Hour, now); got != 1 {
		t.Errorf("restart history not durable: count = %d, want 1", got)
	}
	if !reopened.IsQuarantined("shop_db") {
		t.Error("quarantine not durable")
	}
	events := reopened.Events()
	if len(events) != 1 || events[0].Kind != KindRestart {
		t.Errorf("events not durable: %v", events)
	}
	if !reopened.IsMaintenanceActive() {
		t.Error("maintenance flag not durable")
	}
}

func TestRestartCountWindow(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	for _, offset := range []time.Duration{-90 * time.Second, -40 * time.Second, -10 * time.Second} {
		if err := s.RecordRestart("c", now.Add(offset)); err != nil {
			t.Fatalf("RecordRestart: %v", err)
		}
	}
	if got := s.RestartCount("c", 60*time.Second, now); got != 2 {
		t.Errorf("count in 60s window = %d, want 2", got)
	}
	if got := s.RestartCount("c", 2*time.Minute, now); got != 3 {
		t.Errorf("count in 120s window = %d, want 3", got)
	}
}

func TestRestartCountIncludesScheduledAttempts(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// A backoff-deferred restart records its scheduled (future) time.
	if err := s.RecordRestart("c", now.Add(20*time.Second)); err != nil {
		t.Fatalf("RecordRestart: %v", err)
	}
	if got := s.RestartCount("c", time.Minute, now); got != 1 {
		t.Errorf("scheduled attempt not counted: %d", got)
	}
	last, ok := s.LastRestart("c")
	if !ok || !last.After(now) {
		t.Errorf("LastRestart = %v, %v; want future timestamp", last, ok)
	}
}

func TestRestartCountPrunesOldEntries(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if err := s.RecordRestart("c", now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("RecordRestart: %v", err)
	}
	if err := s.RecordRestart("c", now.Add(-time.Minute)); err != nil {
		t.Fatalf("RecordRestart: %v", err)
	}
	s.RestartCount("c", time.Hour, now)

	s.mu.Lock()
	kept := len(s.history["c"])
	s.mu.Unlock()
	if kept != 1 {
		t.Errorf("entries kept after prune = %d, want 1", kept)
	}
}

func TestUnquarantineClearsHistory(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if err := s.RecordRestart("c", now); err != nil {
		t.Fatalf("RecordRestart: %v", err)
	}
	if err := s.Quarantine("c"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if err := s.Unquarantine("c"); err != nil {
		t.Fatalf("Unquarantine: %v", err)
	}
	if s.IsQuarantined("c") {
		t.Error("still quarantined after Unquarantine")
	}
	if got := s.RestartCount("c", time.Hour, now); got != 0 {
		t.Errorf("history not cleared on unquarantine: count = %d", got)
	}
}

func TestEventRingBounded(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.UpdateConfig(map[string]any{"ui": map[string]any{"max_log_entries": 3}}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := Event{Timestamp: base.Add(time.Duration(i) * time.Second), StableID: "c", Kind: KindRestart, Status: StatusInfo}
		if err := s.AppendEvent(e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("event log length = %d, want 3", len(events))
	}
	// Oldest evicted first.
	if !events[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("oldest surviving event at %v, want %v", events[0].Timestamp, base.Add(2*time.Second))
	}
}

func TestSelectionMutationsIdempotent(t *testing.T) {
	s, _ := openTestStore(t)

	added, err := s.AddSelected("c")
	if err != nil || !added {
		t.Fatalf("first AddSelected = %v, %v", added, err)
	}
	added, err = s.AddSelected("c")
	if err != nil || added {
		t.Fatalf("second AddSelected = %v, %v; want no-op", added, err)
	}
	if got := s.Snapshot().Containers.Selected; len(got) != 1 {
		t.Errorf("selected = %v, want single entry", got)
	}

	removed, err := s.RemoveSelected("c")
	if err != nil || !removed {
		t.Fatalf("RemoveSelected = %v, %v", removed, err)
	}
	removed, err = s.RemoveSelected("c")
	if err != nil || removed {
		t.Fatalf("second RemoveSelected = %v, %v; want no-op", removed, err)
	}
}

func TestSnapshotIsIsolatedCopy(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.AddSelected("c"); err != nil {
		t.Fatalf("AddSelected: %v", err)
	}

	cfg := s.Snapshot()
	cfg.Containers.Selected[0] = "tampered"
	cfg.Restart.MaxRestarts = 999

	fresh := s.Snapshot()
	if fresh.Containers.Selected[0] != "c" {
		t.Error("snapshot mutation leaked into store")
	}
	if fresh.Restart.MaxRestarts == 999 {
		t.Error("snapshot mutation leaked into store config")
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	s, dir := openTestStore(t)

	// Replace the quarantine file with a directory so the rename in
	// writeJSON fails.
	path := filepath.Join(dir, "quarantine.json")
	os.Remove(path)
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := s.Quarantine("c"); err == nil {
		t.Fatal("Quarantine succeeded despite unwritable file")
	}
	if s.IsQuarantined("c") {
		t.Error("in-memory state not rolled back after persist failure")
	}
}

func TestLegacyFullIDKeysAcceptedOnRead(t *testing.T) {
	dir := t.TempDir()
	fullID := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	historyJSON := `{"` + fullID + `": ["2026-08-24T11:59:00Z"]}`
	if err := os.WriteFile(filepath.Join(dir, "restart_counts.json"), []byte(historyJSON), 0o644); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if got := s.RestartCount(fullID, time.Hour, now); got != 1 {
		t.Errorf("legacy key lookup = %d, want 1", got)
	}
}
