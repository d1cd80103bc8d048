// Package config loads substrate's user-level YAML settings and default
// paths. cmd/substrate layers the environment-variable overrides of the
// shim/world envelope (§6 of the spec) on top of what Load returns.
package config

import (
	"os"
	"path/filepath"
)

// Dir returns $HOME/.substrate, creating no directories itself.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".substrate"), nil
}

// ShimsDir returns the directory shim binaries are deployed under.
func ShimsDir(dir string) string {
	return filepath.Join(dir, "shims")
}

// TracePath returns the default trace.jsonl location.
func TracePath(dir string) string {
	return filepath.Join(dir, "trace.jsonl")
}

// LockPath returns the process-level advisory lock file used by shim
// deployment and other mutating operations that must not interleave.
func LockPath(dir string) string {
	return filepath.Join(dir, ".substrate.lock")
}

// PolicyPath returns the default policy document location.
func PolicyPath(dir string) string {
	return filepath.Join(dir, "policy.yaml")
}

// ApprovalsPath returns the persisted interactive-approval decision store.
func ApprovalsPath(dir string) string {
	return filepath.Join(dir, "approvals.json")
}

// WorldsDBPath returns the world-agent's session/world registry.
func WorldsDBPath(dir string) string {
	return filepath.Join(dir, "worlds.db")
}

// EnsureDirs creates dir and its shims subdirectory if missing.
func EnsureDirs(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(ShimsDir(dir), 0755)
}
