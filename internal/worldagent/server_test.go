package worldagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atomize-hq/substrate/internal/store"
	"github.com/atomize-hq/substrate/internal/world"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "substrate.sock")

	backend := world.NewBackend(t.TempDir(), time.Minute)
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := NewServer(backend, st, socketPath)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
		}
	})
	return srv, socketPath
}

func TestListenAndServeCreatesSocketWithOwnerOnlyPerms(t *testing.T) {
	_, socketPath := startTestServer(t)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		t.Errorf("socket perm = %v, want owner-only", info.Mode().Perm())
	}
}

func TestListenAndServeCleansUpStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "substrate.sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0644); err != nil {
		t.Fatalf("write stale socket file: %v", err)
	}

	backend := world.NewBackend(t.TempDir(), time.Minute)
	st, _ := store.Open(":memory:")
	defer st.Close()
	srv := NewServer(backend, st, socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var ok bool
	for time.Now().Before(deadline) {
		if info, err := os.Stat(socketPath); err == nil && info.Mode()&os.ModeSocket != 0 {
			ok = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-errCh
	if !ok {
		t.Fatal("server did not replace the stale socket file with a real listener")
	}
}

func TestClientDestroyUnknownSessionIsNoop(t *testing.T) {
	_, socketPath := startTestServer(t)
	c := NewClient(socketPath)
	if err := c.Destroy("never-created"); err != nil {
		t.Fatalf("Destroy unknown session: %v", err)
	}
}

func TestClientDiffUnknownSessionErrors(t *testing.T) {
	_, socketPath := startTestServer(t)
	c := NewClient(socketPath)
	if _, err := c.Diff("never-created"); err == nil {
		t.Fatal("expected error diffing a session with no world")
	}
}
