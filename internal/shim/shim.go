// Package shim implements the per-invocation contract of spec §4.C: a
// small executable deployed under $HOME/.substrate/shims/<name> for
// every command substrate intercepts. It reads the correlation
// envelope, resolves and execs the real binary, and emits a matched
// command_start/command_complete span pair.
package shim

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/atomize-hq/substrate/internal/envelope"
	"github.com/atomize-hq/substrate/internal/redact"
	"github.com/atomize-hq/substrate/internal/span"
	"github.com/atomize-hq/substrate/internal/trace"
)

// ErrRecursion is returned (wrapped) when SHIM_ORIGINAL_PATH holds no
// executable for the name outside the shim directory: both when the
// only match is inside the shim directory itself (step 4's
// infinite-recursion guard) and when the name is not found at all.
var ErrRecursion = errors.New("shim: refusing to exec a path inside the shim directory")

// Deps lets Run's collaborators be swapped out in tests without
// touching the real trace file or process table.
type Deps struct {
	Environ    []string
	Argv       []string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	ShimDir    string // directory this shim binary lives under; step 4's recursion guard
	TraceOpen  func(path string, durable bool) (*trace.Writer, error)
	Exec       func(path string, argv []string, env []string) error // os-level exec, replaces the process; never returns on success
	StartCmd   func(*exec.Cmd) error
	WaitCmd    func(*exec.Cmd) error
	HashCache  map[string]string // binary path -> cached sha256, avoids re-hashing a long-lived shim's repeated target
}

// Result is the shim's final process-exit disposition (step 8).
type Result struct {
	ExitCode int
}

// Run executes the 8-step contract against argv[0]'s basename. name is
// the shim's own name (e.g. "git"), used to resolve the real binary
// via SHIM_ORIGINAL_PATH.
func Run(name string, d Deps) (Result, error) {
	env := envelope.FromEnviron(d.Environ)

	// Step 2: bypass.
	if env.Bypass {
		return execReplace(name, d, env)
	}

	// Step 3: new span.
	sid, err := env.EnsureSessionID()
	if err != nil {
		return Result{ExitCode: 1}, fmt.Errorf("shim: generate session id: %w", err)
	}
	var parent *span.ID
	if env.ParentCmdID != "" {
		id, err := span.ParseID(env.ParentCmdID)
		if err == nil {
			parent = &id
		}
		// An unparseable parent id is treated as session start (spec §4.C
		// tolerance requirement), not a fatal error.
	}

	cwd, _ := os.Getwd()
	start, err := span.New(sid, parent, env.Depth+1, redact.Slice(d.Argv))
	if err != nil {
		return Result{ExitCode: 1}, fmt.Errorf("shim: build span: %w", err)
	}
	start.Cwd = cwd
	start.EnvDigest = digestEnv(d.Environ)

	w := openTraceWriter(d, env)
	if w != nil {
		defer w.Close()
		if err := w.Write(start); err != nil {
			fmt.Fprintf(errWriter(d), "substrate: trace write failed: %v\n", err)
		}
	}

	// Step 4: resolve + hash the real binary.
	real, err := resolveOriginal(name, env.OriginalPath, d.ShimDir)
	if err != nil {
		code := completeAndExit(w, start, 127, nil)
		fmt.Fprintf(errWriter(d), "substrate: %v\n", err)
		return Result{ExitCode: code}, err
	}
	start.BinaryPath = real
	if d.HashCache != nil {
		if h, ok := d.HashCache[real]; ok {
			start.BinarySHA256 = h
		} else if h, err := hashFile(real); err == nil {
			start.BinarySHA256 = h
			d.HashCache[real] = h
		}
	} else if h, err := hashFile(real); err == nil {
		start.BinarySHA256 = h
	}

	// Step 5: export envelope for the child.
	childEnv := env.ChildEnv(d.Environ, start.SpanID.String())
	if env.SessionID == "" {
		childEnv = append(stripSessionVar(childEnv), "SHIM_SESSION_ID="+sid)
	}

	// Steps 6-8: spawn, forward signals, complete.
	exitCode, termSig, execErr := runChild(real, d.Argv, childEnv, d)
	finalCode := completeAndExit(w, start, exitCode, termSig)
	return Result{ExitCode: finalCode}, execErr
}

func completeAndExit(w *trace.Writer, start *span.Span, exitCode int, termSig *int) int {
	if w != nil {
		done := start.Complete(exitCode, termSig)
		if err := w.Write(done); err != nil {
			fmt.Fprintf(os.Stderr, "substrate: trace write failed: %v\n", err)
		}
	}
	if termSig != nil {
		return 128 + *termSig
	}
	return exitCode
}

// runChild forks/execs real with argv/env, forwarding signals to the
// child and waiting for its exit (steps 6-7).
func runChild(real string, argv []string, env []string, d Deps) (exitCode int, termSig *int, err error) {
	cmd := exec.Command(real, argv[1:]...)
	cmd.Env = env
	cmd.Stdin = orDefault(d.Stdin, os.Stdin)
	cmd.Stdout = orDefaultW(d.Stdout, os.Stdout)
	cmd.Stderr = orDefaultW(d.Stderr, os.Stderr)

	start := d.StartCmd
	if start == nil {
		start = func(c *exec.Cmd) error { return c.Start() }
	}
	wait := d.WaitCmd
	if wait == nil {
		wait = func(c *exec.Cmd) error { return c.Wait() }
	}

	if err := start(cmd); err != nil {
		return 1, nil, fmt.Errorf("shim: exec %s: %w", real, err)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, signalsToForward()...)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if cmd.Process != nil {
					cmd.Process.Signal(sig)
				}
			case <-done:
				return
			}
		}
	}()

	waitErr := wait(cmd)
	close(done)

	if waitErr == nil {
		return 0, nil, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				s := int(ws.Signal())
				return 0, &s, nil
			}
			return ws.ExitStatus(), nil, nil
		}
		return exitErr.ExitCode(), nil, nil
	}
	return 1, nil, fmt.Errorf("shim: wait %s: %w", real, waitErr)
}

// execReplace handles SHIM_BYPASS=1 (step 2): no span, direct exec.
func execReplace(name string, d Deps, env envelope.Envelope) (Result, error) {
	real, err := resolveOriginal(name, env.OriginalPath, d.ShimDir)
	if err != nil {
		return Result{ExitCode: 127}, err
	}
	if d.Exec != nil {
		if err := d.Exec(real, d.Argv, d.Environ); err != nil {
			return Result{ExitCode: 1}, err
		}
		return Result{ExitCode: 0}, nil
	}
	err = syscall.Exec(real, d.Argv, d.Environ)
	return Result{ExitCode: 1}, fmt.Errorf("shim: exec %s: %w", real, err)
}

// resolveOriginal walks SHIM_ORIGINAL_PATH (a colon-separated PATH
// list) for name, rejecting any match inside shimDir (step 4).
func resolveOriginal(name, originalPath, shimDir string) (string, error) {
	if originalPath == "" {
		return "", fmt.Errorf("shim: SHIM_ORIGINAL_PATH is empty, cannot resolve %q", name)
	}
	for _, dir := range filepath.SplitList(originalPath) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if shimDir != "" {
			if rel, err := filepath.Rel(shimDir, candidate); err == nil && !strings.HasPrefix(rel, "..") {
				continue
			}
		}
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: no executable %q found outside %s", ErrRecursion, name, shimDir)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func digestEnv(environ []string) string {
	h := sha256.New()
	for _, kv := range environ {
		io.WriteString(h, kv)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func stripSessionVar(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if strings.HasPrefix(kv, "SHIM_SESSION_ID=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func openTraceWriter(d Deps, env envelope.Envelope) *trace.Writer {
	open := d.TraceOpen
	if open == nil {
		open = trace.Open
	}
	path := env.TraceLog
	if path == "" {
		return nil
	}
	w, err := open(path, false)
	if err != nil {
		fmt.Fprintf(errWriter(d), "substrate: trace unavailable, continuing without it: %v\n", err)
		return nil
	}
	return w
}

func errWriter(d Deps) io.Writer {
	if d.Stderr != nil {
		return d.Stderr
	}
	return os.Stderr
}

func orDefault(r io.Reader, def io.Reader) io.Reader {
	if r != nil {
		return r
	}
	return def
}

func orDefaultW(w io.Writer, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}

func signalsToForward() []os.Signal {
	if runtime.GOOS == "windows" {
		return []os.Signal{os.Interrupt}
	}
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}
}
