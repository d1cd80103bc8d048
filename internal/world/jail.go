package world

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// execJail provisions the namespaces/seccomp filter backing exactly one
// World.Exec call. A World holds its overlay and cgroup for the whole
// session; execJail is the narrower, per-exec half of that isolation,
// rebuilt fresh every call so each exec gets its own network/mount/pid
// namespaces sized by the request in hand.
type execJail interface {
	Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error)
	PostStart(pid int) error // apply rlimits etc. after process starts
	Destroy() error
}

// Mount describes a filesystem mount applied to one exec's jail.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
	// UseRegex marks a mount whose path under HOME should be persisted
	// across overlay rebuilds via an --overlay-prefix wrapper flag,
	// rather than treated as a one-shot writable bind.
	UseRegex bool
}

// Config holds per-exec jail parameters, derived from a World's Spec
// (and, for fs_write/fs_read, from deriveFSConfig) on every Exec call.
type Config struct {
	Isolation   Level
	NetworkNeed NetworkNeed
	Mounts      []Mount
	Deny        []string      // paths to mask (e.g. ~/.ssh)
	DenyWrite   []string      // paths mounted read-only inside an otherwise writable mount
	Timeout     time.Duration
	CPULimit    time.Duration // RLIMIT_CPU (0 = backend default)
	MemLimit    uint64        // RLIMIT_AS in bytes (0 = backend default)
	MaxFDs      uint32        // RLIMIT_NOFILE (0 = backend default)
	// WorkDir pins the sandbox's HOME/cwd to a caller-owned directory
	// (a World's overlay merged root) instead of a throwaway temp dir
	// the sandbox creates and cleans up itself. Caller retains ownership:
	// Destroy() will not remove it.
	WorkDir string
}

// EnforcementError is returned when the system cannot enforce the requested jail config.
type EnforcementError struct {
	Gaps     []string
	Platform string
}

func (e *EnforcementError) Error() string {
	msg := "system incapable of enforcing: " + strings.Join(e.Gaps, ", ")
	if e.Platform != "" {
		msg += ". " + e.Platform
	}
	return msg
}

// newJail creates a platform-appropriate execJail. Returns EnforcementError
// if the platform cannot enforce the requested isolation — no silent fallback.
func newJail(cfg Config) (execJail, error) {
	s, err := newPlatform(cfg)
	if err == nil {
		return s, nil
	}
	return nil, newEnforcementError(cfg, err)
}

func newEnforcementError(cfg Config, platformErr error) *EnforcementError {
	var gaps []string
	switch cfg.Isolation {
	case Strict, Standard:
		gaps = append(gaps, "network isolation")
	}
	gaps = append(gaps, "filesystem isolation")
	if len(cfg.Deny) > 0 {
		gaps = append(gaps, fmt.Sprintf("deny paths (%d)", len(cfg.Deny)))
	}
	if cfg.CPULimit > 0 || cfg.MemLimit > 0 || cfg.MaxFDs > 0 {
		gaps = append(gaps, "resource limits")
	}
	return &EnforcementError{
		Gaps:     gaps,
		Platform: platformHelp(),
	}
}

func platformHelp() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS: requires Apple Containers (macOS 26+, 'container' CLI)"
	case "linux":
		return "Linux: requires root or CAP_SYS_ADMIN (try: sudo setcap cap_sys_admin+ep /path/to/substrate)"
	default:
		return fmt.Sprintf("platform %s: no sandbox backend available", runtime.GOOS)
	}
}
