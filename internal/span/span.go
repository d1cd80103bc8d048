package span

import "time"

// EventType enumerates the kinds of events a span can record.
type EventType string

const (
	EventCommandStart    EventType = "command_start"
	EventCommandComplete EventType = "command_complete"
	EventPolicyDecision  EventType = "policy_decision"
	EventSyscall         EventType = "syscall"
	EventFSDiff          EventType = "fs_diff"
	EventNetworkScope    EventType = "network_scope"
)

// Verdict is the outcome of a policy decision.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictDeny    Verdict = "deny"
	VerdictApprove Verdict = "approve"
)

// PolicyDecision records why a command was allowed, denied, or sent
// to interactive approval.
type PolicyDecision struct {
	RuleID  string   `json:"rule_id"`
	Verdict Verdict  `json:"verdict"`
	Reasons []string `json:"reasons,omitempty"`
}

// FSDiff lists paths that changed relative to a world's merged root.
type FSDiff struct {
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
}

// Span is the unit of trace (spec §3). JSON field names are
// snake_case so trace.jsonl is directly consumable by external
// tooling without a translation layer.
type Span struct {
	SpanID         ID              `json:"span_id"`
	SessionID      string          `json:"session_id"`
	ParentSpanID   *ID             `json:"parent_span_id,omitempty"`
	Depth          int             `json:"depth"`
	EventType      EventType       `json:"event_type"`
	TimestampStart time.Time       `json:"timestamp_start"`
	TimestampEnd   *time.Time      `json:"timestamp_end,omitempty"`
	Argv           []string        `json:"argv,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	EnvDigest      string          `json:"env_digest,omitempty"`
	BinaryPath     string          `json:"binary_path,omitempty"`
	BinarySHA256   string          `json:"binary_sha256,omitempty"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	TermSignal     *int            `json:"term_signal,omitempty"`
	PolicyDecision *PolicyDecision `json:"policy_decision,omitempty"`
	FSDiff         *FSDiff         `json:"fs_diff,omitempty"`
	ScopesUsed     []string        `json:"scopes_used,omitempty"`
	WorldSessionID string          `json:"world_session_id,omitempty"`
}

// New constructs a command_start span with a freshly minted SpanID.
func New(sessionID string, parent *ID, depth int, argv []string) (*Span, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Span{
		SpanID:         id,
		SessionID:      sessionID,
		ParentSpanID:   parent,
		Depth:          depth,
		EventType:      EventCommandStart,
		TimestampStart: time.Now(),
		Argv:           argv,
	}, nil
}

// Complete fills in the matching command_complete fields in place,
// turning a command_start span into its own completion record isn't
// what callers want — they emit a second span sharing SpanID instead.
// Complete returns that second span.
func (s *Span) Complete(exitCode int, termSignal *int) *Span {
	end := time.Now()
	out := *s
	out.EventType = EventCommandComplete
	out.TimestampEnd = &end
	out.ExitCode = &exitCode
	out.TermSignal = termSignal
	return &out
}
