package world

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	base := t.TempDir()
	lower := t.TempDir()
	overlay, err := newOverlayRoot(base, lower)
	if err != nil {
		t.Fatalf("newOverlayRoot: %v", err)
	}
	if err := overlay.Mount(); err != nil {
		t.Fatalf("overlay.Mount: %v", err)
	}
	t.Cleanup(func() { overlay.Unmount() })

	return &World{
		SessionID: "exec-test",
		State:     StateReady,
		base:      base,
		overlay:   overlay,
		OverlayDir: overlayPaths{
			Upper: overlay.upper, Lower: overlay.lower, Work: overlay.work, Merged: overlay.merged,
		},
	}
}

func TestWorldExecRejectsEmptyArgv(t *testing.T) {
	w := newTestWorld(t)
	if _, err := w.Exec(context.Background(), ExecRequest{}); err == nil {
		t.Fatal("Exec with empty argv should error")
	}
}

func TestWorldExecRejectsWhenNotReady(t *testing.T) {
	w := newTestWorld(t)
	w.State = StateDraining
	_, err := w.Exec(context.Background(), ExecRequest{Argv: []string{"echo", "hi"}})
	if err == nil {
		t.Fatal("Exec on a non-ready world should error")
	}
}

func TestWorldExecEcho(t *testing.T) {
	w := newTestWorld(t)

	var out bytes.Buffer
	result, err := w.Exec(context.Background(), ExecRequest{
		Argv:   []string{"echo", "hello"},
		Stdout: &out,
	})
	if err != nil {
		var ee *EnforcementError
		if errors.As(err, &ee) {
			t.Skip("no platform sandbox available in this environment")
		}
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if got := out.String(); got != "hello\n" {
		t.Errorf("output = %q, want %q", got, "hello\n")
	}
}

func TestWorldExecNonZeroExit(t *testing.T) {
	w := newTestWorld(t)

	result, err := w.Exec(context.Background(), ExecRequest{
		Argv: []string{"false"},
	})
	if err != nil {
		var ee *EnforcementError
		if errors.As(err, &ee) {
			t.Skip("no platform sandbox available in this environment")
		}
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode == 0 {
		t.Error("ExitCode = 0 for `false`, want non-zero")
	}
}

func TestWorldExecIncrementsAndDecrementsExecCount(t *testing.T) {
	w := newTestWorld(t)

	done := make(chan struct{})
	go func() {
		w.Exec(context.Background(), ExecRequest{Argv: []string{"sleep", "0.2"}})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	w.mu.Lock()
	mid := w.execs
	w.mu.Unlock()

	<-done
	w.mu.Lock()
	final := w.execs
	w.mu.Unlock()

	if mid == 0 && final == 0 {
		// Exec may have failed to start (no sandbox capability) and
		// returned before the sleep even began; that's covered by the
		// skip path in other tests, not a count-tracking defect here.
		t.Skip("exec did not start long enough to observe a live count")
	}
	if final != 0 {
		t.Errorf("execs = %d after completion, want 0", final)
	}
}
