// Package orchestrator implements substrate's shell orchestrator
// (spec.md §4.H): it parses a command, brokers a policy decision
// through internal/policy, and dispatches either to a direct child
// process or into the per-session world over internal/worldagent.
// Built-ins (cd, pwd, set, unset) short-circuit dispatch entirely.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/atomize-hq/substrate/internal/budget"
	"github.com/atomize-hq/substrate/internal/config"
	"github.com/atomize-hq/substrate/internal/envelope"
	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/atomize-hq/substrate/internal/span"
	"github.com/atomize-hq/substrate/internal/store"
	"github.com/atomize-hq/substrate/internal/trace"
	"github.com/atomize-hq/substrate/internal/worldagent"
)

// Orchestrator holds every long-lived collaborator a session's
// commands are brokered and dispatched through. One Orchestrator
// serves many concurrent sessions — session-local state (cwd, env
// overrides, pinned world) lives in the Session map, not here.
type Orchestrator struct {
	Config    *config.Config
	Policy    *policy.Store
	Tracker   *budget.Tracker
	Approvals *policy.Approvals
	Trace     *trace.Writer
	Store     *store.Store

	// agent is the world-agent client used when Config.WorldsEnabled.
	// Left nil when worlds are off; Dispatch never touches it in that
	// case, matching §9's "dispatch path branches on SUBSTRATE_WORLD".
	agent *worldagent.Client

	// BaseEnvelope is this process's own envelope (typically
	// envelope.FromOS(), read once at startup). It seeds every
	// session's starting depth and supplies the SHIM_ORIGINAL_PATH/
	// trace-log/world fields propagated to dispatched children, so a
	// command this orchestrator spawns carries the same correlation
	// chain a shim-spawned child would (§8 invariant 1).
	BaseEnvelope envelope.Envelope

	mu       sync.Mutex
	sessions map[string]*Session
}

// New wires up an Orchestrator from already-opened collaborators. Call
// sites construct these individually (policy.NewStore, trace.Open,
// store.Open, ...) so tests can swap in fakes or in-memory variants.
func New(cfg *config.Config, pol *policy.Store, tr *trace.Writer, st *store.Store) *Orchestrator {
	o := &Orchestrator{
		Config:       cfg,
		Policy:       pol,
		Tracker:      budget.New(),
		Approvals:    policy.NewApprovals(),
		Trace:        tr,
		Store:        st,
		BaseEnvelope: envelope.FromOS(),
		sessions:     make(map[string]*Session),
	}
	if cfg.WorldsEnabled {
		o.agent = worldagent.NewClient(cfg.AgentSocket)
	}
	return o
}

// Session returns (creating if absent) the per-session state for
// sessionID, seeding its budget limits from the currently active
// policy and its depth from BaseEnvelope.
func (o *Orchestrator) Session(sessionID string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[sessionID]; ok {
		return s
	}
	s := newSession(sessionID, o.BaseEnvelope.Depth)
	o.Tracker.SetLimits(sessionID, o.Policy.Active().Budget)
	o.sessions[sessionID] = s
	return s
}

// EndSession releases a session's pinned world (if any) and drops its
// budget counters, per §4.H "releases at session end".
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	o.Tracker.Reset(sessionID)
	if s.worldCreated && o.agent != nil {
		if err := o.agent.Destroy(sessionID); err != nil {
			log.Printf("orchestrator: destroy world for session %s: %v", sessionID, err)
		}
	}
}

// Run is the orchestrator's daemon-style lifecycle (generalized from
// the teacher's internal/daemon.Run): it starts policy hot-reload,
// runs work in a goroutine feeding a shared error channel alongside a
// termination-signal channel, and shuts down in order — the same
// sigCh/errCh select the teacher uses for {timeline engine, transport
// server}, here covering {policy broker, the interactive command
// loop}. work should return when ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context, work func(context.Context) error) error {
	if err := o.Policy.Watch(); err != nil {
		return fmt.Errorf("orchestrator: start policy watch: %w", err)
	}
	defer o.Policy.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- work(ctx)
	}()

	log.Printf("orchestrator started (worlds_enabled=%v)", o.Config.WorldsEnabled)

	select {
	case sig := <-sigCh:
		log.Printf("orchestrator: received %s, shutting down", sig)
		cancel()
		time.Sleep(time.Second)
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			cancel()
			return fmt.Errorf("orchestrator: %w", err)
		}
	}
	return nil
}

// Outcome is what Dispatch produced for one command: its exit code and
// whether the broker denied it. The spans are written to Trace, not
// returned here.
type Outcome struct {
	ExitCode int
	Denied   bool
}

// Dispatch runs one command for sessionID: built-in short-circuit,
// then broker-then-dispatch per spec.md §4.D/§4.H. argv must be
// non-empty; callers that parse an empty line should not call Dispatch
// at all.
func (o *Orchestrator) Dispatch(ctx context.Context, sessionID string, argv []string, stdin *os.File, stdout, stderr *os.File) (Outcome, error) {
	sess := o.Session(sessionID)

	if out, handled := runBuiltin(sess, argv); handled {
		return out, nil
	}

	req := policy.Request{
		SessionID: sessionID,
		Cmd:       argv[0],
		Argv:      argv,
	}
	verdict := o.Policy.Active().Decide(req, o.Tracker)

	parent := sess.parentSpan()
	cmdSpan, err := span.New(sessionID, parent, sess.depth, argv)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: build span: %w", err)
	}
	sess.setLast(cmdSpan.SpanID)
	decisionSpan := *cmdSpan
	decisionSpan.EventType = span.EventPolicyDecision
	decisionSpan.PolicyDecision = &span.PolicyDecision{
		RuleID:  verdict.RuleID,
		Verdict: verdict.Decision,
		Reasons: verdict.Reasons,
	}
	o.writeSpan(&decisionSpan)

	if verdict.Decision == span.VerdictDeny {
		o.writeSpan(cmdSpan)
		complete := cmdSpan.Complete(126, nil)
		o.writeSpan(complete)
		return Outcome{ExitCode: 126, Denied: true}, nil
	}

	if verdict.Decision == span.VerdictApprove {
		decision, ok := o.Approvals.Check(argv[0])
		if !ok || decision == policy.ApprovalDeny {
			o.Approvals.Consume(argv[0])
			o.writeSpan(cmdSpan)
			complete := cmdSpan.Complete(126, nil)
			o.writeSpan(complete)
			return Outcome{ExitCode: 126, Denied: true}, nil
		}
		o.Approvals.Consume(argv[0])
	}

	o.writeSpan(cmdSpan)

	start := time.Now()
	result, execErr := o.execute(ctx, sess, argv, cmdSpan.SpanID, stdin, stdout, stderr)
	wallSeconds := time.Since(start).Seconds()
	o.Tracker.Charge(sessionID, wallSeconds, 0)

	var termSig *int
	exitCode := 1
	if execErr == nil {
		exitCode = result.ExitCode
	}
	complete := cmdSpan.Complete(exitCode, termSig)
	if result.FSDiff != nil {
		complete.FSDiff = result.FSDiff
	}
	o.writeSpan(complete)

	return Outcome{ExitCode: exitCode}, execErr
}

func (o *Orchestrator) writeSpan(s *span.Span) {
	if o.Trace == nil {
		return
	}
	if err := o.Trace.Write(s); err != nil {
		log.Printf("orchestrator: trace write failed: %v", err)
	}
}
