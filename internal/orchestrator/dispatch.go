package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"

	"github.com/atomize-hq/substrate/internal/span"
	"github.com/atomize-hq/substrate/internal/worldagent"
)

// childEnv builds the environment a dispatched command should see:
// the orchestrator's own envelope (correlation chain, trace log path,
// world fields), re-exported one depth deeper and pointed at this
// command's span as the new parent, folded over the session's
// set/unset history.
func (o *Orchestrator) childEnv(sess *Session, parentSpanID span.ID) []string {
	base := o.BaseEnvelope.ChildEnv(os.Environ(), parentSpanID.String())
	return sess.Environ(base)
}

// execResult is execute's uniform return shape across the direct and
// world-agent dispatch paths.
type execResult struct {
	ExitCode int
	FSDiff   *span.FSDiff
}

// execute chooses between direct exec and world-agent dispatch
// (spec.md §4.H: "based on whether worlds are enabled") and runs argv
// accordingly, streaming to stdout/stderr as it goes.
func (o *Orchestrator) execute(ctx context.Context, sess *Session, argv []string, spanID span.ID, stdin, stdout, stderr *os.File) (execResult, error) {
	usePTY, argv := ptyPrefixAndDecision(argv, stdin)
	env := o.childEnv(sess, spanID)

	if o.Config.WorldsEnabled && o.agent != nil {
		return o.executeInWorld(ctx, sess, argv, env, usePTY, stdin, stdout, stderr)
	}
	return o.executeDirect(ctx, sess, argv, env, usePTY, stdin, stdout, stderr)
}

// ptyPrefixAndDecision strips a leading ":pty" token and applies the
// §4.H heuristic. hasPipe is approximated by stdin not being a
// terminal: a piped/redirected invocation never gets a PTY regardless
// of command name.
func ptyPrefixAndDecision(argv []string, stdin *os.File) (bool, []string) {
	hasPipe := false
	if stdin != nil {
		if fi, err := stdin.Stat(); err == nil {
			hasPipe = (fi.Mode() & os.ModeCharDevice) == 0
		}
	}
	out, use := wantsPTY(argv, hasPipe)
	return use, out
}

func (o *Orchestrator) executeDirect(ctx context.Context, sess *Session, argv []string, env []string, usePTY bool, stdin, stdout, stderr *os.File) (execResult, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sess.Cwd()
	cmd.Env = env

	if usePTY {
		ptyFile, err := pty.Start(cmd)
		if err != nil {
			return execResult{}, fmt.Errorf("orchestrator: pty start: %w", err)
		}
		defer ptyFile.Close()
		if stdin != nil {
			go io.Copy(ptyFile, stdin)
		}
		go io.Copy(stdout, ptyFile)
		forwardResizes(ctx, ptyFile)
	} else {
		cmd.Stdin = stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			return execResult{}, fmt.Errorf("orchestrator: start: %w", err)
		}
	}

	stopForwarding := forwardSignals(cmd)
	waitErr := cmd.Wait()
	stopForwarding()
	return execResult{ExitCode: directExitCode(waitErr)}, nil
}

func directExitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 127
}

// forwardSignals relays SIGINT/SIGTERM received by this process to the
// child process, mirroring the shim's signal-forwarding step. The
// returned func stops forwarding; the caller invokes it after its own
// cmd.Wait returns.
func forwardSignals(cmd *exec.Cmd) func() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			if cmd.Process != nil {
				cmd.Process.Signal(sig)
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// forwardResizes is a no-op placeholder when running directly under a
// controlling terminal: the OS already delivers SIGWINCH to the
// foreground process group, so there is no resize channel to bridge
// the way worldagent's streaming protocol needs one.
func forwardResizes(ctx context.Context, ptyFile *os.File) {}

// executeInWorld lazily creates (or reuses) the session's world, pins
// it for this use, and streams the exec over the world-agent's framed
// protocol (spec.md §4.F/§4.H).
func (o *Orchestrator) executeInWorld(ctx context.Context, sess *Session, argv []string, env []string, usePTY bool, stdin, stdout, stderr *os.File) (execResult, error) {
	if err := o.ensureWorld(sess); err != nil {
		if o.Config.WorldFallbackToDirect {
			return o.executeDirect(ctx, sess, argv, env, usePTY, stdin, stdout, stderr)
		}
		return execResult{}, err
	}

	stream, err := o.agent.Exec(worldagent.ExecBeginRequest{
		SessionID: sess.id,
		Argv:      argv,
		Env:       env,
		PTY:       usePTY,
		Rows:      24,
		Cols:      80,
	})
	if err != nil {
		return execResult{}, fmt.Errorf("orchestrator: world exec: %w", err)
	}
	defer stream.Close()

	if stdin != nil {
		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := stdin.Read(buf)
				if n > 0 {
					stream.WriteStdin(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()
	}

	for {
		op, data, exit, err := stream.Recv()
		if err == io.EOF {
			return execResult{ExitCode: 0}, nil
		}
		if err != nil {
			return execResult{}, fmt.Errorf("orchestrator: world stream: %w", err)
		}
		switch op {
		case worldagent.OpStdout:
			stdout.Write(data)
		case worldagent.OpStderr:
			stderr.Write(data)
		case worldagent.OpExit:
			return execResult{
				ExitCode: exit.ExitCode,
				FSDiff: &span.FSDiff{
					Added:    exit.Added,
					Modified: exit.Modified,
					Deleted:  exit.Deleted,
				},
			}, nil
		}
	}
}

// ensureWorld creates the session's world on first use and pins it on
// every subsequent use (spec.md §4.H: "pins on each use").
func (o *Orchestrator) ensureWorld(sess *Session) error {
	sess.mu.Lock()
	created := sess.worldCreated
	sess.mu.Unlock()
	if created {
		return nil
	}

	pol := o.Policy.Active()
	isolation := pol.Isolation
	if isolation == "" {
		isolation = "standard"
	}
	_, err := o.agent.Create(worldagent.CreateRequest{
		SessionID: sess.id,
		Isolation: isolation,
		NetScopes: pol.NetScopes,
		FSWrite:   pol.FSWrite,
		FSRead:    pol.FSRead,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: create world: %w", err)
	}
	sess.mu.Lock()
	sess.worldCreated = true
	sess.mu.Unlock()
	return nil
}
