package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	ws := &WorldSession{
		SessionID:   "sess-1",
		State:       "ready",
		Isolation:   "standard",
		NetnsName:   "ns-sess-1",
		CgroupPath:  "/sys/fs/cgroup/substrate/sess-1",
		MergedPath:  "/tmp/substrate-worlds/sess-1/merged",
		CreatedAt:   now,
		PinnedUntil: now.Add(5 * time.Minute),
	}
	if err := s.CreateSession(ws); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession returned nil for a session that was just created")
	}
	if got.State != "ready" || got.NetnsName != "ns-sess-1" {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	if got.DestroyedAt != nil {
		t.Error("DestroyedAt should be nil for a live session")
	}
}

func TestGetSessionMissing(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetSession("nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Fatal("GetSession found a session that was never created")
	}
}

func TestUpdateSessionState(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	s.CreateSession(&WorldSession{SessionID: "sess-1", State: "provisioning", CreatedAt: now, PinnedUntil: now})

	if err := s.UpdateSessionState("sess-1", "ready"); err != nil {
		t.Fatalf("UpdateSessionState: %v", err)
	}
	got, _ := s.GetSession("sess-1")
	if got.State != "ready" {
		t.Errorf("State = %q, want ready", got.State)
	}
}

func TestUpdateSessionStateMissing(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateSessionState("nope", "ready"); err == nil {
		t.Fatal("expected error updating a nonexistent session")
	}
}

func TestMarkDestroyedExcludesFromListLive(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	s.CreateSession(&WorldSession{SessionID: "sess-1", State: "ready", CreatedAt: now, PinnedUntil: now})
	s.CreateSession(&WorldSession{SessionID: "sess-2", State: "ready", CreatedAt: now, PinnedUntil: now})

	if err := s.MarkDestroyed("sess-1", now); err != nil {
		t.Fatalf("MarkDestroyed: %v", err)
	}

	live, err := s.ListLive()
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(live) != 1 || live[0].SessionID != "sess-2" {
		t.Errorf("ListLive = %v, want only sess-2", live)
	}

	got, _ := s.GetSession("sess-1")
	if got.DestroyedAt == nil {
		t.Error("DestroyedAt should be set after MarkDestroyed")
	}
	if got.State != "destroyed" {
		t.Errorf("State = %q, want destroyed", got.State)
	}
}

func TestUpdatePinnedUntil(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	s.CreateSession(&WorldSession{SessionID: "sess-1", State: "ready", CreatedAt: now, PinnedUntil: now})

	later := now.Add(10 * time.Minute)
	if err := s.UpdatePinnedUntil("sess-1", later); err != nil {
		t.Fatalf("UpdatePinnedUntil: %v", err)
	}
	got, _ := s.GetSession("sess-1")
	if !got.PinnedUntil.Equal(later.Truncate(time.Millisecond)) {
		t.Errorf("PinnedUntil = %v, want %v", got.PinnedUntil, later)
	}
}

func TestMigrationsApplyOnlyOnce(t *testing.T) {
	s := openTestStore(t)
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count == 0 {
		t.Fatal("expected at least one migration recorded")
	}
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate call: %v", err)
	}
	var recount int
	s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&recount)
	if recount != count {
		t.Errorf("migration count changed on re-run: %d -> %d", count, recount)
	}
}
