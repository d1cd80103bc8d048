// Package envelope reads and writes the environment-variable contract
// (spec §6) that correlates a parent shell, its shim-spawned children,
// and an optional world session.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
)

const (
	varSessionID    = "SHIM_SESSION_ID"
	varParentCmdID  = "SHIM_PARENT_CMD_ID"
	varDepth        = "SHIM_DEPTH"
	varBypass       = "SHIM_BYPASS"
	varOriginalPath = "SHIM_ORIGINAL_PATH"
	varTraceLog     = "SHIM_TRACE_LOG"
	varLogOpts      = "SHIM_LOG_OPTS"
	varWorld        = "SUBSTRATE_WORLD"
	varWorldSession = "SUBSTRATE_SESSION_ID"
	varAgentSocket  = "WORLD_AGENT_SOCKET"
)

// LogOpts is the exact-token parse of SHIM_LOG_OPTS: "raw", "resolve",
// both space-separated, or neither. It is not comma-parsed — a value
// like "raw,resolve" matches neither token (§9 Open Question decision,
// see DESIGN.md).
type LogOpts struct {
	Raw     bool
	Resolve bool
}

func parseLogOpts(v string) LogOpts {
	var o LogOpts
	for _, tok := range strings.Fields(v) {
		switch tok {
		case "raw":
			o.Raw = true
		case "resolve":
			o.Resolve = true
		}
	}
	return o
}

func (o LogOpts) String() string {
	var parts []string
	if o.Raw {
		parts = append(parts, "raw")
	}
	if o.Resolve {
		parts = append(parts, "resolve")
	}
	return strings.Join(parts, " ")
}

// Envelope is the parsed form of every variable in the §6 contract.
// Fields take their zero value when the corresponding variable is
// absent; EnvelopeMissing (per §7) is never fatal — an absent
// SessionID or Depth is treated as the start of a new session.
type Envelope struct {
	SessionID    string
	ParentCmdID  string
	Depth        int
	Bypass       bool
	OriginalPath string
	TraceLog     string
	LogOpts      LogOpts
	WorldEnabled bool
	WorldSession string
	AgentSocket  string
}

// FromEnviron parses the envelope out of a process's environment,
// typically os.Environ().
func FromEnviron(environ []string) Envelope {
	get := func(key string) (string, bool) {
		prefix := key + "="
		for _, kv := range environ {
			if strings.HasPrefix(kv, prefix) {
				return kv[len(prefix):], true
			}
		}
		return "", false
	}

	var e Envelope
	e.SessionID, _ = get(varSessionID)
	e.ParentCmdID, _ = get(varParentCmdID)
	if v, ok := get(varDepth); ok {
		if d, err := strconv.Atoi(v); err == nil {
			e.Depth = d
		}
	}
	if v, ok := get(varBypass); ok {
		e.Bypass = v == "1"
	}
	e.OriginalPath, _ = get(varOriginalPath)
	e.TraceLog, _ = get(varTraceLog)
	if v, ok := get(varLogOpts); ok {
		e.LogOpts = parseLogOpts(v)
	}
	if v, ok := get(varWorld); ok {
		e.WorldEnabled = v == "enabled"
	}
	e.WorldSession, _ = get(varWorldSession)
	e.AgentSocket, _ = get(varAgentSocket)
	return e
}

// FromOS reads the envelope of the current process.
func FromOS() Envelope {
	return FromEnviron(os.Environ())
}

// EnsureSessionID returns e.SessionID, generating a fresh random one
// if absent, per the §6 "auto-generated if absent" contract.
func (e Envelope) EnsureSessionID() (string, error) {
	if e.SessionID != "" {
		return e.SessionID, nil
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// ChildEnv returns the environment a shim should export for a
// directly spawned child, incrementing depth and propagating the
// correlation chain. base is typically os.Environ().
func (e Envelope) ChildEnv(base []string, childParentSpanID string) []string {
	out := stripVars(base)
	out = append(out,
		varSessionID+"="+e.SessionID,
		varParentCmdID+"="+childParentSpanID,
		varDepth+"="+strconv.Itoa(e.Depth+1),
	)
	if e.OriginalPath != "" {
		out = append(out, varOriginalPath+"="+e.OriginalPath)
	}
	if e.TraceLog != "" {
		out = append(out, varTraceLog+"="+e.TraceLog)
	}
	if opts := e.LogOpts.String(); opts != "" {
		out = append(out, varLogOpts+"="+opts)
	}
	if e.WorldEnabled {
		out = append(out, varWorld+"=enabled")
	}
	if e.WorldSession != "" {
		out = append(out, varWorldSession+"="+e.WorldSession)
	}
	if e.AgentSocket != "" {
		out = append(out, varAgentSocket+"="+e.AgentSocket)
	}
	return out
}

func stripVars(environ []string) []string {
	managed := map[string]bool{
		varSessionID: true, varParentCmdID: true, varDepth: true,
		varBypass: true, varOriginalPath: true, varTraceLog: true,
		varLogOpts: true, varWorld: true, varWorldSession: true,
		varAgentSocket: true,
	}
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if managed[key] {
			continue
		}
		out = append(out, kv)
	}
	return out
}
