package world

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// ExecRequest is one spec.md §4.E `exec(session_id, argv, env, pty?)` call.
type ExecRequest struct {
	Argv []string
	Env  []string
	PTY  bool
	Rows uint16
	Cols uint16

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer // ignored when PTY is true; PTY output is all on Stdout

	// Resize delivers live PTY window-size updates (worldagent's RESIZE
	// frames). Ignored unless PTY is true. Closed or nil means no resizes
	// arrive after the initial Rows/Cols.
	Resize <-chan [2]uint16
}

// ExecResult is the value returned once an exec completes: exit status
// plus the filesystem diff accumulated by this and every prior exec in
// the world (overlay diffs are cumulative across a session).
type ExecResult struct {
	ExitCode int
	Added    []string
	Modified []string
	Deleted  []string
}

// Exec spawns argv inside the world's namespaces, cgroup, and overlay
// root, with the telemetry preload library injected via LD_PRELOAD when
// the backend was configured with one. It blocks until the process
// exits, streaming to req.Stdout/Stderr (or the PTY) as it runs.
func (w *World) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	w.mu.Lock()
	if w.State != StateReady {
		w.mu.Unlock()
		return nil, fmt.Errorf("world: session %s is %s, not ready", w.SessionID, w.State)
	}
	merged := w.OverlayDir.Merged
	w.mu.Unlock()

	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("world: exec requires a non-empty argv")
	}

	deny, denyWrite, mounts := deriveFSConfig(w.spec.FSWrite, w.spec.FSRead)
	sb, err := newJail(Config{
		Isolation:   w.spec.Isolation,
		NetworkNeed: NetworkNeedFromDomains(w.spec.NetScopes),
		Mounts:      mounts,
		Deny:        deny,
		DenyWrite:   denyWrite,
		CPULimit:    w.spec.CPULimit,
		MemLimit:    w.spec.MemLimitMiB * 1024 * 1024,
		MaxFDs:      w.spec.PidLimit,
		WorkDir:     merged,
	})
	if err != nil {
		return nil, fmt.Errorf("world: provision exec sandbox: %w", err)
	}

	cmd, err := sb.Exec(ctx, req.Argv[0], req.Argv[1:])
	if err != nil {
		return nil, fmt.Errorf("world: build exec command: %w", err)
	}
	cmd.Env = append(cmd.Env, req.Env...)
	if w.preloadLibPath != "" {
		// SUBSTRATE_SESSION_ID is the var name spec.md §4.G names for the
		// preload library to read; SHIM_PARENT_CMD_ID (propagated via
		// req.Env by the caller's envelope) supplies the current parent
		// span. Appended last so it wins under glibc's first-match
		// getenv only if the caller didn't already set it — in practice
		// callers always do, since this is the same var the orchestrator
		// threads through envelope.Envelope.
		if !hasEnvKey(cmd.Env, "SUBSTRATE_SESSION_ID") {
			cmd.Env = append(cmd.Env, "SUBSTRATE_SESSION_ID="+w.SessionID)
		}
		cmd.Env = append(cmd.Env, "LD_PRELOAD="+w.preloadLibPath)
	}

	w.beginExec()
	defer w.endExec()

	result := &ExecResult{}
	if req.PTY {
		ptyFile, startErr := pty.StartWithSize(cmd, &pty.Winsize{Rows: req.Rows, Cols: req.Cols})
		if startErr != nil {
			return nil, fmt.Errorf("world: pty start: %w", startErr)
		}
		defer ptyFile.Close()
		if err := w.cgroup.AddPID(cmd.Process.Pid); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return nil, fmt.Errorf("world: join cgroup: %w", err)
		}
		if req.Stdin != nil {
			go io.Copy(ptyFile, req.Stdin)
		}
		if req.Resize != nil {
			go func() {
				for size := range req.Resize {
					pty.Setsize(ptyFile, &pty.Winsize{Rows: size[0], Cols: size[1]})
				}
			}()
		}
		if req.Stdout != nil {
			io.Copy(req.Stdout, ptyFile)
		}
	} else {
		cmd.Stdin = req.Stdin
		cmd.Stdout = req.Stdout
		cmd.Stderr = req.Stderr
		if startErr := cmd.Start(); startErr != nil {
			return nil, fmt.Errorf("world: exec start: %w", startErr)
		}
		if err := w.cgroup.AddPID(cmd.Process.Pid); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return nil, fmt.Errorf("world: join cgroup: %w", err)
		}
	}

	if cmd.Process != nil {
		if err := sb.PostStart(cmd.Process.Pid); err != nil {
			return nil, fmt.Errorf("world: post-start rlimits: %w", err)
		}
	}

	waitErr := cmd.Wait()
	result.ExitCode = exitCode(cmd, waitErr)

	added, modified, deleted, diffErr := w.Diff()
	if diffErr == nil {
		result.Added, result.Modified, result.Deleted = added, modified, deleted
	}
	return result, nil
}

func hasEnvKey(env []string, key string) bool {
	prefix := key + "="
	for _, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
