package envelope

import "testing"

func TestFromEnvironParsesKnownVars(t *testing.T) {
	e := FromEnviron([]string{
		"SHIM_SESSION_ID=sess-1",
		"SHIM_PARENT_CMD_ID=span-1",
		"SHIM_DEPTH=3",
		"SHIM_BYPASS=1",
		"SHIM_LOG_OPTS=raw resolve",
		"SUBSTRATE_WORLD=enabled",
		"PATH=/usr/bin",
	})
	if e.SessionID != "sess-1" || e.ParentCmdID != "span-1" || e.Depth != 3 {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if !e.Bypass {
		t.Error("expected bypass true")
	}
	if !e.LogOpts.Raw || !e.LogOpts.Resolve {
		t.Errorf("expected both log opts set, got %+v", e.LogOpts)
	}
	if !e.WorldEnabled {
		t.Error("expected world enabled")
	}
}

func TestLogOptsExactTokenNotCommaParsed(t *testing.T) {
	e := FromEnviron([]string{"SHIM_LOG_OPTS=raw,resolve"})
	if e.LogOpts.Raw || e.LogOpts.Resolve {
		t.Errorf("expected comma-joined value to match neither token, got %+v", e.LogOpts)
	}
}

func TestFromEnvironMissingVarsAreZeroValue(t *testing.T) {
	e := FromEnviron([]string{"PATH=/usr/bin"})
	if e.SessionID != "" || e.Depth != 0 || e.Bypass {
		t.Errorf("expected zero-value envelope, got %+v", e)
	}
}

func TestEnsureSessionIDGeneratesWhenAbsent(t *testing.T) {
	e := FromEnviron(nil)
	id, err := e.EnsureSessionID()
	if err != nil {
		t.Fatalf("EnsureSessionID: %v", err)
	}
	if id == "" {
		t.Error("expected a generated session id")
	}

	e2 := FromEnviron([]string{"SHIM_SESSION_ID=sess-existing"})
	id2, err := e2.EnsureSessionID()
	if err != nil {
		t.Fatalf("EnsureSessionID: %v", err)
	}
	if id2 != "sess-existing" {
		t.Errorf("expected existing session id preserved, got %q", id2)
	}
}

func TestChildEnvIncrementsDepthAndStripsManagedVars(t *testing.T) {
	e := FromEnviron([]string{
		"SHIM_SESSION_ID=sess-1",
		"SHIM_DEPTH=2",
		"SHIM_PARENT_CMD_ID=old-parent",
		"PATH=/usr/bin",
	})
	child := e.ChildEnv([]string{"SHIM_SESSION_ID=sess-1", "SHIM_DEPTH=2", "PATH=/usr/bin", "HOME=/home/x"}, "new-parent-span")

	got := FromEnviron(child)
	if got.Depth != 3 {
		t.Errorf("expected depth incremented to 3, got %d", got.Depth)
	}
	if got.ParentCmdID != "new-parent-span" {
		t.Errorf("expected parent cmd id updated, got %q", got.ParentCmdID)
	}

	found := false
	for _, kv := range child {
		if kv == "HOME=/home/x" {
			found = true
		}
	}
	if !found {
		t.Error("expected unmanaged vars preserved in child env")
	}
}
