// Package budget tracks the per-session resource counters named in
// spec.md §3's Policy.budget option: wall_seconds, cpu_seconds,
// bytes_written, commands. The broker decrements these on every
// allowed command and denies further work of an exhausted kind.
package budget

import (
	"sync"
	"time"
)

// Limits mirrors the policy document's budget option. A zero field
// means "unlimited" for that counter.
type Limits struct {
	WallSeconds  float64 `yaml:"wall_seconds,omitempty"`
	CPUSeconds   float64 `yaml:"cpu_seconds,omitempty"`
	BytesWritten int64   `yaml:"bytes_written,omitempty"`
	Commands     int64   `yaml:"commands,omitempty"`
}

// Kind identifies which counter was exhausted, for the
// budget_exhausted policy-decision reason.
type Kind string

const (
	KindWallSeconds  Kind = "wall_seconds"
	KindCPUSeconds   Kind = "cpu_seconds"
	KindBytesWritten Kind = "bytes_written"
	KindCommands     Kind = "commands"
)

// usage is the running counters for one session.
type usage struct {
	wallSeconds  float64
	cpuSeconds   float64
	bytesWritten int64
	commands     int64
}

// Tracker holds one usage counter set per session, keyed by
// session_id. All mutation happens under a single mutex — the broker
// is the sole writer (§5's "single-writer" shared-resource note) and
// holds the lock only for one decision's critical section.
type Tracker struct {
	mu      sync.Mutex
	limits  map[string]Limits
	spent   map[string]*usage
	started map[string]time.Time
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		limits:  make(map[string]Limits),
		spent:   make(map[string]*usage),
		started: make(map[string]time.Time),
	}
}

// SetLimits installs (or replaces) the budget limits for a session,
// typically called once at session start from the active policy.
func (t *Tracker) SetLimits(sessionID string, l Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[sessionID] = l
	if _, ok := t.spent[sessionID]; !ok {
		t.spent[sessionID] = &usage{}
		t.started[sessionID] = time.Now()
	}
}

// Check reports whether one more command of the given estimated cost
// would exceed any configured limit, without mutating state. The
// caller decrements separately via Charge once the command is allowed.
func (t *Tracker) Check(sessionID string, cpuSeconds float64, bytesWritten int64) (ok bool, exhausted Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok2 := t.limits[sessionID]
	if !ok2 {
		return true, ""
	}
	u := t.spent[sessionID]
	if u == nil {
		u = &usage{}
		t.spent[sessionID] = u
	}

	if lim.Commands > 0 && u.commands+1 > lim.Commands {
		return false, KindCommands
	}
	if lim.WallSeconds > 0 {
		elapsed := time.Since(t.started[sessionID]).Seconds()
		if elapsed > lim.WallSeconds {
			return false, KindWallSeconds
		}
	}
	if lim.CPUSeconds > 0 && u.cpuSeconds+cpuSeconds > lim.CPUSeconds {
		return false, KindCPUSeconds
	}
	if lim.BytesWritten > 0 && u.bytesWritten+bytesWritten > lim.BytesWritten {
		return false, KindBytesWritten
	}
	return true, ""
}

// Charge records the actual resource cost of an allowed command.
func (t *Tracker) Charge(sessionID string, cpuSeconds float64, bytesWritten int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.spent[sessionID]
	if !ok {
		u = &usage{}
		t.spent[sessionID] = u
	}
	u.commands++
	u.cpuSeconds += cpuSeconds
	u.bytesWritten += bytesWritten
}

// Reset clears a session's counters, used when a session ends and its
// world is destroyed.
func (t *Tracker) Reset(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.spent, sessionID)
	delete(t.limits, sessionID)
	delete(t.started, sessionID)
}

// Snapshot returns a copy of a session's current usage, for
// `substrate status` style reporting.
func (t *Tracker) Snapshot(sessionID string) (wallSeconds, cpuSeconds float64, bytesWritten, commands int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.spent[sessionID]
	if !ok {
		return 0, 0, 0, 0
	}
	wall := time.Since(t.started[sessionID]).Seconds()
	return wall, u.cpuSeconds, u.bytesWritten, u.commands
}
