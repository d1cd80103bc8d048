package policy

import (
	"path/filepath"

	"github.com/atomize-hq/substrate/internal/budget"
	"github.com/atomize-hq/substrate/internal/span"
)

// Verdict is the broker's decision for one command.
type Verdict struct {
	Decision span.Verdict
	RuleID   string
	Reasons  []string
}

func allow(ruleID string, reasons ...string) Verdict {
	return Verdict{Decision: span.VerdictAllow, RuleID: ruleID, Reasons: reasons}
}

func deny(ruleID string, reasons ...string) Verdict {
	return Verdict{Decision: span.VerdictDeny, RuleID: ruleID, Reasons: reasons}
}

func approve(ruleID string, reasons ...string) Verdict {
	return Verdict{Decision: span.VerdictApprove, RuleID: ruleID, Reasons: reasons}
}

// Request describes one command awaiting a decision.
type Request struct {
	SessionID string
	Cmd       string
	Argv      []string
	// WritePaths and ReadPaths are the filesystem paths the command is
	// expected to touch, as determined by the caller (best-effort; the
	// world backend's fs_diff is the authoritative record after the fact).
	WritePaths []string
	ReadPaths  []string
	NetScopes  []string
	// EstimatedCPUSeconds and EstimatedBytesWritten feed the budget check.
	EstimatedCPUSeconds   float64
	EstimatedBytesWritten int64
}

// Decide runs the 8-step algorithm from spec.md §4.D. tracker holds
// the session's live budget counters; Decide does not charge them —
// callers call tracker.Charge after the command actually completes.
func (p *Policy) Decide(req Request, tracker *budget.Tracker) Verdict {
	// 1. cmd_denied takes precedence over everything.
	if matchAny(p.CmdDenied, req.Cmd) {
		return p.finalize(deny("cmd_denied", "command matches cmd_denied"))
	}

	// 2. fs_write: any write outside the allowed globs denies.
	for _, w := range req.WritePaths {
		if len(p.FSWrite) > 0 && !matchAnyPath(p.FSWrite, w) {
			return p.finalize(deny("fs_write", "write path not in fs_write: "+w))
		}
	}

	// 3. fs_read: unspecified means allow; if specified, must match.
	for _, r := range req.ReadPaths {
		if len(p.FSRead) > 0 && !matchAnyPath(p.FSRead, r) {
			return p.finalize(deny("fs_read", "read path not in fs_read: "+r))
		}
	}

	// 4. net_scopes: requested scopes must be a subset of the allowed set.
	for _, scope := range req.NetScopes {
		if len(p.NetScopes) > 0 && !contains(p.NetScopes, scope) {
			return p.finalize(deny("net_scopes", "scope not allowed: "+scope))
		}
	}

	// 5. approval rules route to interactive approval before the
	// allowlist is consulted, since an approval match is more specific
	// than a blanket allow.
	var v Verdict
	if rule := matchApproval(p.Approval, req.Cmd); rule != "" {
		if p.ObserveOnly && p.ObserveOnlyAffectsApproval {
			v = allow("approval_observed", "observe_only: approval bypassed, logged only")
		} else {
			return p.finalize(approve(rule, "command requires interactive approval"))
		}
	} else if matchAny(p.CmdAllowed, req.Cmd) {
		// 5 (continued). cmd_allowed.
		v = allow("cmd_allowed", "command matches cmd_allowed")
	} else if p.DefaultAllow {
		// 6. default verdict.
		v = allow("default_allow")
	} else {
		v = deny("not_allowlisted", "command not in cmd_allowed and default_allow is false")
	}

	// 7. budget check applies to any tentative allow; on allow the
	// caller decrements counters via tracker.Charge after the command runs.
	if v.Decision == span.VerdictAllow && tracker != nil {
		if ok, kind := tracker.Check(req.SessionID, req.EstimatedCPUSeconds, req.EstimatedBytesWritten); !ok {
			v = deny("budget_exhausted", "budget exhausted: "+string(kind))
		}
	}

	return p.finalize(v)
}

// finalize applies observe_only: a would-be deny is surfaced as an
// allow, with the original verdict recorded in Reasons so the
// emitted policy_decision span preserves what would have happened.
func (p *Policy) finalize(v Verdict) Verdict {
	if p.ObserveOnly && v.Decision == span.VerdictDeny {
		v.Reasons = append(v.Reasons, "observe_only: would have denied")
		v.Decision = span.VerdictAllow
	}
	return v
}

func matchAny(globs []string, cmd string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, cmd); ok {
			return true
		}
	}
	return false
}

func matchAnyPath(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
	}
	return false
}

func matchApproval(rules []ApprovalRule, cmd string) string {
	for _, r := range rules {
		if ok, _ := filepath.Match(r.CmdGlob, cmd); ok {
			return "approval:" + r.CmdGlob
		}
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
