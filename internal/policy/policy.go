// Package policy implements substrate's declarative command policy
// (spec §3 Policy, §4.D): YAML loading, the 8-step decision algorithm,
// and hot-reload via fsnotify with an atomically swapped snapshot.
package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/atomize-hq/substrate/internal/budget"
)

// CurrentVersion is the only schema version this build accepts.
const CurrentVersion = 1

// ApprovalRule names a command pattern that must go through interactive
// approval rather than being auto-allowed.
type ApprovalRule struct {
	CmdGlob string `yaml:"cmd"`
}

// Policy is the deserialized form of a policy document (spec §3).
type Policy struct {
	Version                    int            `yaml:"version"`
	CmdAllowed                 []string       `yaml:"cmd_allowed,omitempty"`
	CmdDenied                  []string       `yaml:"cmd_denied,omitempty"`
	FSWrite                    []string       `yaml:"fs_write,omitempty"`
	FSRead                     []string       `yaml:"fs_read,omitempty"`
	NetScopes                  []string       `yaml:"net_scopes,omitempty"`
	Budget                     budget.Limits  `yaml:"budget,omitempty"`
	Approval                   []ApprovalRule `yaml:"approval,omitempty"`
	ObserveOnly                bool           `yaml:"observe_only,omitempty"`
	DefaultAllow               bool           `yaml:"default_allow,omitempty"`
	ObserveOnlyAffectsApproval bool           `yaml:"observe_only_affects_approval,omitempty"`
	// Isolation names the world isolation level ("standard" or "strict")
	// new worlds are created with; empty means "standard".
	Isolation string `yaml:"isolation,omitempty"`
}

// Load parses and validates a policy document. Unknown top-level
// fields are rejected at load, per spec.md §6.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes raw YAML policy bytes. Unknown fields
// are rejected via yaml.v3's strict decode mode.
func Parse(data []byte) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	if p.Version != CurrentVersion {
		return nil, fmt.Errorf("policy: unsupported version %d (want %d)", p.Version, CurrentVersion)
	}
	return &p, nil
}

// Save writes p to path as YAML, creating parent directories if needed.
func Save(path string, p *Policy) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
