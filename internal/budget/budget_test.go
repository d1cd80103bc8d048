package budget

import "testing"

func TestCheckAllowsWithinLimits(t *testing.T) {
	tr := New()
	tr.SetLimits("sess-1", Limits{Commands: 3})

	ok, kind := tr.Check("sess-1", 0, 0)
	if !ok {
		t.Fatalf("expected allow, got deny with kind %q", kind)
	}
	tr.Charge("sess-1", 0, 0)
}

func TestCheckDeniesWhenCommandsExhausted(t *testing.T) {
	tr := New()
	tr.SetLimits("sess-1", Limits{Commands: 1})

	tr.Charge("sess-1", 0, 0)
	ok, kind := tr.Check("sess-1", 0, 0)
	if ok {
		t.Fatal("expected deny after commands budget exhausted")
	}
	if kind != KindCommands {
		t.Errorf("expected KindCommands, got %q", kind)
	}
}

func TestCheckDeniesWhenBytesWrittenExhausted(t *testing.T) {
	tr := New()
	tr.SetLimits("sess-1", Limits{BytesWritten: 100})

	tr.Charge("sess-1", 0, 90)
	ok, kind := tr.Check("sess-1", 0, 20)
	if ok {
		t.Fatal("expected deny: 90+20 > 100")
	}
	if kind != KindBytesWritten {
		t.Errorf("expected KindBytesWritten, got %q", kind)
	}
}

func TestCheckUnlimitedSessionAlwaysAllows(t *testing.T) {
	tr := New()
	ok, _ := tr.Check("no-limits-set", 1000, 1<<30)
	if !ok {
		t.Error("expected allow for a session with no configured limits")
	}
}

func TestResetClearsUsage(t *testing.T) {
	tr := New()
	tr.SetLimits("sess-1", Limits{Commands: 1})
	tr.Charge("sess-1", 0, 0)
	tr.Reset("sess-1")

	ok, _ := tr.Check("sess-1", 0, 0)
	if !ok {
		t.Error("expected allow for a session with no configured limits after Reset")
	}
}

func TestSnapshotReportsCharges(t *testing.T) {
	tr := New()
	tr.SetLimits("sess-1", Limits{})
	tr.Charge("sess-1", 2.5, 1024)
	tr.Charge("sess-1", 1.5, 512)

	_, cpu, bytes, commands := tr.Snapshot("sess-1")
	if cpu != 4.0 {
		t.Errorf("expected cpu_seconds 4.0, got %v", cpu)
	}
	if bytes != 1536 {
		t.Errorf("expected bytes_written 1536, got %v", bytes)
	}
	if commands != 2 {
		t.Errorf("expected commands 2, got %v", commands)
	}
}
