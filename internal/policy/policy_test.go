package policy

import (
	"path/filepath"
	"testing"

	"github.com/atomize-hq/substrate/internal/budget"
)

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("version: 1\nnot_a_real_field: true\n"))
	if err == nil {
		t.Fatal("expected decode error for unknown field")
	}
}

func TestParseRejectsWrongVersion(t *testing.T) {
	_, err := Parse([]byte("version: 2\n"))
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	p := &Policy{
		Version:    CurrentVersion,
		CmdAllowed: []string{"ls", "git"},
		CmdDenied:  []string{"rm"},
	}
	if err := Save(path, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.CmdAllowed) != 2 || got.CmdAllowed[0] != "ls" {
		t.Errorf("unexpected cmd_allowed: %v", got.CmdAllowed)
	}
}

func TestDecideCmdDeniedTakesPrecedence(t *testing.T) {
	p := &Policy{Version: CurrentVersion, CmdAllowed: []string{"rm"}, CmdDenied: []string{"rm"}}
	v := p.Decide(Request{Cmd: "rm"}, nil)
	if v.Decision != "deny" {
		t.Errorf("expected deny, got %v", v.Decision)
	}
	if v.RuleID != "cmd_denied" {
		t.Errorf("expected rule cmd_denied, got %v", v.RuleID)
	}
}

func TestDecideCmdAllowedAllows(t *testing.T) {
	p := &Policy{Version: CurrentVersion, CmdAllowed: []string{"ls", "git"}}
	v := p.Decide(Request{Cmd: "git"}, nil)
	if v.Decision != "allow" {
		t.Errorf("expected allow, got %v", v.Decision)
	}
}

func TestDecideDefaultDenyWhenNotAllowlisted(t *testing.T) {
	p := &Policy{Version: CurrentVersion}
	v := p.Decide(Request{Cmd: "curl"}, nil)
	if v.Decision != "deny" {
		t.Errorf("expected deny by default, got %v", v.Decision)
	}
	if v.RuleID != "not_allowlisted" {
		t.Errorf("expected not_allowlisted, got %v", v.RuleID)
	}
}

func TestDecideDefaultAllowOverridesDefault(t *testing.T) {
	p := &Policy{Version: CurrentVersion, DefaultAllow: true}
	v := p.Decide(Request{Cmd: "curl"}, nil)
	if v.Decision != "allow" {
		t.Errorf("expected allow with default_allow, got %v", v.Decision)
	}
}

func TestDecideFSWriteOutsideAllowedDenies(t *testing.T) {
	p := &Policy{Version: CurrentVersion, CmdAllowed: []string{"*"}, FSWrite: []string{"/tmp/*"}}
	v := p.Decide(Request{Cmd: "echo", WritePaths: []string{"/etc/passwd"}}, nil)
	if v.Decision != "deny" || v.RuleID != "fs_write" {
		t.Errorf("expected fs_write deny, got %+v", v)
	}
}

func TestDecideNetScopeNotAllowedDenies(t *testing.T) {
	p := &Policy{Version: CurrentVersion, CmdAllowed: []string{"*"}, NetScopes: []string{"github.com:443"}}
	v := p.Decide(Request{Cmd: "curl", NetScopes: []string{"evil.example:443"}}, nil)
	if v.Decision != "deny" || v.RuleID != "net_scopes" {
		t.Errorf("expected net_scopes deny, got %+v", v)
	}
}

func TestDecideApprovalRuleRoutesToApprove(t *testing.T) {
	p := &Policy{Version: CurrentVersion, CmdAllowed: []string{"*"}, Approval: []ApprovalRule{{CmdGlob: "sudo"}}}
	v := p.Decide(Request{Cmd: "sudo"}, nil)
	if v.Decision != "approve" {
		t.Errorf("expected approve, got %v", v.Decision)
	}
}

func TestDecideBudgetExhaustedDenies(t *testing.T) {
	tracker := budget.New()
	tracker.SetLimits("sess-1", budget.Limits{Commands: 1})
	tracker.Charge("sess-1", 0, 0)

	p := &Policy{Version: CurrentVersion, CmdAllowed: []string{"*"}}
	v := p.Decide(Request{SessionID: "sess-1", Cmd: "ls"}, tracker)
	if v.Decision != "deny" || v.RuleID != "budget_exhausted" {
		t.Errorf("expected budget_exhausted deny, got %+v", v)
	}
}

func TestDecideObserveOnlyNeverDenies(t *testing.T) {
	p := &Policy{Version: CurrentVersion, ObserveOnly: true}
	v := p.Decide(Request{Cmd: "curl"}, nil)
	if v.Decision != "allow" {
		t.Errorf("expected observe_only to surface allow, got %v", v.Decision)
	}
	if len(v.Reasons) == 0 {
		t.Error("expected reasons to record the would-have-denied verdict")
	}
}

func TestApprovalsAllowOnceIsConsumed(t *testing.T) {
	a := NewApprovals()
	a.Record("sudo apt update", ApprovalAllowOnce)

	dec, ok := a.Check("sudo apt update")
	if !ok || dec != ApprovalAllowOnce {
		t.Fatalf("expected allow_once recorded, got %v, %v", dec, ok)
	}
	a.Consume("sudo apt update")

	if _, ok := a.Check("sudo apt update"); ok {
		t.Error("expected allow_once to be consumed")
	}
}

func TestApprovalsAlwaysAllowPersists(t *testing.T) {
	a := NewApprovals()
	a.Record("git push", ApprovalAlwaysAllow)
	a.Consume("git push")

	dec, ok := a.Check("git push")
	if !ok || dec != ApprovalAlwaysAllow {
		t.Errorf("expected always_allow to persist across Consume, got %v, %v", dec, ok)
	}
}

func TestApprovalsSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approvals.json")

	a := NewApprovals()
	a.Record("git push", ApprovalAlwaysAllow)
	if err := a.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadApprovals(path)
	if err != nil {
		t.Fatalf("LoadApprovals: %v", err)
	}
	dec, ok := got.Check("git push")
	if !ok || dec != ApprovalAlwaysAllow {
		t.Errorf("expected persisted decision, got %v, %v", dec, ok)
	}
}

func TestLoadApprovalsMissingFileIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	got, err := LoadApprovals(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if _, ok := got.Check("anything"); ok {
		t.Error("expected empty store for missing file")
	}
}
