package world

import (
	"os"
	"path/filepath"
	"strings"
)

// credentialDirs are masked (Config.Deny) whenever a Spec narrows
// fs_write below "write anywhere" — fs_write entries exist to grant
// writes, never to name these on purpose, and the jail has no other
// way to learn they should stay hidden.
var credentialDirs = []string{".ssh", ".aws", ".config/gcloud", ".netrc"}

// deriveFSConfig translates a World's Spec.FSWrite/FSRead policy globs
// into the per-exec jail's Deny/DenyWrite/Mounts primitives (spec.md §3
// fs_write/fs_read). Only globs that resolve to a concrete, existing
// directory translate into a mount — a bare "*.go" or "/tmp/**" pattern
// has no single directory to bind, so it's enforced only at Diff()
// report time, the same as before this wiring existed.
func deriveFSConfig(fsWrite, fsRead []string) (deny, denyWrite []string, mounts []Mount) {
	if len(fsWrite) == 0 {
		return nil, nil, nil
	}

	home, _ := os.UserHomeDir()

	writeDirs := make(map[string]bool)
	for _, pattern := range fsWrite {
		dir, ok := concreteDir(pattern, home)
		if !ok {
			continue
		}
		writeDirs[dir] = true
		mounts = append(mounts, Mount{Source: dir, ReadOnly: false, UseRegex: true})
	}

	for _, pattern := range fsRead {
		dir, ok := concreteDir(pattern, home)
		if !ok || writeDirs[dir] {
			continue
		}
		denyWrite = append(denyWrite, dir)
	}

	if home != "" {
		for _, sub := range credentialDirs {
			deny = append(deny, filepath.Join(home, sub))
		}
	}
	return deny, denyWrite, mounts
}

// concreteDir strips a trailing glob suffix ("/**", "/*") from pattern
// and expands a leading "~/" against home. Returns ok=false for
// patterns with no single concrete directory (embedded wildcards,
// file extensions) or whose resolved directory doesn't exist.
func concreteDir(pattern, home string) (string, bool) {
	dir := strings.TrimSuffix(pattern, "/**")
	dir = strings.TrimSuffix(dir, "/*")
	if dir == "" || strings.ContainsAny(dir, "*?[") {
		return "", false
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		if home == "" {
			return "", false
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if !filepath.IsAbs(dir) {
		return "", false
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return dir, true
}
