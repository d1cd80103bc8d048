// Package world implements substrate's execution-control world
// backend (spec.md §4.E): creates, reuses, and destroys isolated
// execution environments keyed by world_session_id. One Backend
// manages every concurrent world in a process.
//
// The underlying enforcement primitives — namespace/seccomp jailing
// (linux.go, apple.go), cgroup v2 accounting (cgroup_linux.go), and
// the net_scopes-allowlist egress proxy (proxy.go) — come from the single
// per-command execJail this package started as. World generalizes that
// into something create-once, exec-many-times, destroy-once: a
// session's cgroup slice and overlay root are provisioned once and
// reused across every exec, while each exec still gets its own fresh
// network/mount/pid namespaces sized by NetworkNeed — cheaper than
// holding namespaces open across execs and behaviorally equivalent
// since every exec in a session shares the same scopes and mounts.
package world

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is a world's lifecycle stage (spec.md §3).
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateDraining     State = "draining"
	StateDestroyed    State = "destroyed"
)

// Spec describes what a world should enforce, derived from the active
// Policy at session start.
type Spec struct {
	Isolation    Level
	NetScopes    []string
	FSWrite      []string // policy fs_write globs; concrete dirs among these persist as writable mounts
	FSRead       []string // policy fs_read globs; entries outside FSWrite are mounted read-only
	MemLimitMiB  uint64
	CPULimit     time.Duration
	PidLimit     uint32
	HostRootView string // lower dir used as the overlay's read-only base
}

// World is one isolated execution environment, lifetime-bound to a
// single world_session_id.
type World struct {
	mu sync.Mutex

	SessionID   string
	NetnsName   string
	CgroupPath  string
	OverlayDir  overlayPaths
	State       State
	PinnedUntil time.Time

	ProxyPort int // 0 unless Spec.NetScopes named specific domains

	spec           Spec
	base           string
	cgroup         *cgroupManager
	overlay        *overlayRoot
	proxy          *netScopeProxy
	execs          int // live exec count, for drain-on-destroy
	preloadLibPath string
}

// overlayPaths mirrors spec.md §3's {upper, lower, work, merged} tuple
// for external reporting (`substrate status`, trace spans).
type overlayPaths struct {
	Upper  string `json:"upper"`
	Lower  string `json:"lower"`
	Work   string `json:"work"`
	Merged string `json:"merged"`
}

// Backend manages every concurrent world in one process (spec.md
// §4.E: "One backend instance manages multiple concurrent worlds.").
type Backend struct {
	mu             sync.Mutex
	worlds         map[string]*World
	worldsDir      string
	pinDuration    time.Duration
	preloadLibPath string
}

// NewBackend returns a Backend rooted at worldsDir (default
// /tmp/substrate-worlds per spec.md §6).
func NewBackend(worldsDir string, pinDuration time.Duration) *Backend {
	if pinDuration <= 0 {
		pinDuration = 5 * time.Minute
	}
	return &Backend{
		worlds:      make(map[string]*World),
		worldsDir:   worldsDir,
		pinDuration: pinDuration,
	}
}

// Create provisions a new world for sessionID, or returns the existing
// one if already present — invariant "one world per world_session_id
// at any time" (spec.md §3).
func (b *Backend) Create(sessionID string, spec Spec) (*World, error) {
	b.mu.Lock()
	if w, ok := b.worlds[sessionID]; ok {
		b.mu.Unlock()
		w.Pin(b.pinDuration)
		return w, nil
	}
	b.mu.Unlock()

	base := filepath.Join(b.worldsDir, sessionID)
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("world: create base dir: %w", err)
	}

	b.mu.Lock()
	preloadLibPath := b.preloadLibPath
	b.mu.Unlock()

	w := &World{
		SessionID:      sessionID,
		NetnsName:      "ns-" + sessionID,
		State:          StateProvisioning,
		spec:           spec,
		base:           base,
		preloadLibPath: preloadLibPath,
	}

	lower := spec.HostRootView
	if lower == "" {
		lower = "/"
	}
	overlay, err := newOverlayRoot(base, lower)
	if err != nil {
		return nil, err
	}
	if err := overlay.Mount(); err != nil {
		return nil, fmt.Errorf("world: mount overlay: %w", err)
	}
	w.overlay = overlay
	w.OverlayDir = overlayPaths{Upper: overlay.upper, Lower: overlay.lower, Work: overlay.work, Merged: overlay.merged}
	w.CgroupPath = ""

	mgr, err := newCgroupManager(sessionID, spec.MemLimitMiB*1024*1024, spec.PidLimit)
	if err != nil {
		return nil, fmt.Errorf("world: create cgroup: %w", err)
	}
	w.cgroup = mgr
	if mgr != nil {
		w.CgroupPath = mgr.path
	}

	if NetworkNeedFromDomains(spec.NetScopes) == NetworkHTTPS {
		proxy, err := startNetScopeProxy(spec.NetScopes)
		if err != nil {
			return nil, fmt.Errorf("world: start net_scopes proxy: %w", err)
		}
		w.proxy = proxy
		w.ProxyPort = proxy.Port()
	}

	w.State = StateReady
	w.Pin(b.pinDuration)

	b.mu.Lock()
	b.worlds[sessionID] = w
	b.mu.Unlock()
	return w, nil
}

// SetPreloadLibPath configures the telemetry preload shared object
// (cmd/substrate-preload's build output) injected via LD_PRELOAD into
// every exec of every world this backend creates from now on.
func (b *Backend) SetPreloadLibPath(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preloadLibPath = path
}

// Get returns the world for sessionID, if one exists.
func (b *Backend) Get(sessionID string) (*World, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.worlds[sessionID]
	return w, ok
}

// Destroy releases sessionID's world. Idempotent: destroying an
// already-destroyed or never-created world is a no-op success.
func (b *Backend) Destroy(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	w, ok := b.worlds[sessionID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.worlds, sessionID)
	b.mu.Unlock()

	return w.destroy(ctx)
}

// Sweep destroys every world whose PinnedUntil has passed and which
// has no live exec (spec.md §4.E garbage collection).
func (b *Backend) Sweep(ctx context.Context) []string {
	b.mu.Lock()
	var candidates []*World
	now := time.Now()
	for id, w := range b.worlds {
		w.mu.Lock()
		expired := now.After(w.PinnedUntil) && w.execs == 0
		w.mu.Unlock()
		if expired {
			candidates = append(candidates, w)
			delete(b.worlds, id)
		}
	}
	b.mu.Unlock()

	var destroyed []string
	for _, w := range candidates {
		if err := w.destroy(ctx); err == nil {
			destroyed = append(destroyed, w.SessionID)
		}
	}
	return destroyed
}

// Pin extends PinnedUntil so an actively used world survives GC.
func (w *World) Pin(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.PinnedUntil = time.Now().Add(d)
}

func (w *World) beginExec() {
	w.mu.Lock()
	w.execs++
	w.mu.Unlock()
}

func (w *World) endExec() {
	w.mu.Lock()
	w.execs--
	w.mu.Unlock()
}

// Diff returns {added, modified, deleted} relative to the world's
// merged root (spec.md §4.E diff()).
func (w *World) Diff() (added, modified, deleted []string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.overlay == nil {
		return nil, nil, nil, nil
	}
	return w.overlay.Diff()
}

func (w *World) destroy(ctx context.Context) error {
	w.mu.Lock()
	if w.State == StateDestroyed {
		w.mu.Unlock()
		return nil
	}
	w.State = StateDraining
	w.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
drain:
	for {
		w.mu.Lock()
		n := w.execs
		w.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-drainCtx.Done():
			break drain
		case <-time.After(50 * time.Millisecond):
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.proxy != nil {
		w.proxy.Close()
	}
	if w.cgroup != nil {
		w.cgroup.Destroy()
	}
	if w.overlay != nil {
		w.overlay.Unmount()
	}
	os.RemoveAll(w.base)
	w.State = StateDestroyed
	return nil
}
