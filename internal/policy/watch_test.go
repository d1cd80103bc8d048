package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	if err := Save(path, &Policy{Version: CurrentVersion, CmdAllowed: []string{"ls"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer store.Close()

	if err := Save(path, &Policy{Version: CurrentVersion, CmdAllowed: []string{"ls", "git"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.Active().CmdAllowed) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("expected policy reload to pick up new cmd_allowed, got %v", store.Active().CmdAllowed)
}

func TestStoreWatchKeepsPriorPolicyOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	if err := Save(path, &Policy{Version: CurrentVersion, CmdAllowed: []string{"ls"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer store.Close()

	if err := os.WriteFile(path, []byte("not: valid: yaml: [}"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if len(store.Active().CmdAllowed) != 1 {
		t.Errorf("expected prior policy retained after invalid reload, got %v", store.Active().CmdAllowed)
	}
}
