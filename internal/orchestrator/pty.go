package orchestrator

import "strings"

// interactiveShells and tuiApps are the commands spec.md §4.H calls
// out by name: "interactive shells, TUI apps, REPLs". Extend rather
// than special-case — any command not recognized here still gets a
// PTY via the explicit :pty prefix.
var interactiveShells = map[string]bool{
	"bash": true, "zsh": true, "sh": true, "fish": true, "dash": true,
}

var tuiApps = map[string]bool{
	"vim": true, "nvim": true, "emacs": true, "nano": true,
	"top": true, "htop": true, "less": true, "more": true, "man": true,
	"tmux": true, "screen": true, "ssh": true,
}

var replApps = map[string]bool{
	"python": true, "python3": true, "node": true, "irb": true,
	"psql": true, "mysql": true, "sqlite3": true,
}

// wantsPTY applies the §4.H PTY decision: interactive shells, TUI
// apps, REPLs, or an explicit ":pty" prefix get a PTY; anything piped
// or redirected (hasPipe) never does, regardless of command name.
func wantsPTY(argv []string, hasPipe bool) ([]string, bool) {
	if hasPipe {
		return argv, false
	}
	if len(argv) > 0 && argv[0] == ":pty" {
		return argv[1:], true
	}
	if len(argv) == 0 {
		return argv, false
	}
	name := argv[0]
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	return argv, interactiveShells[name] || tuiApps[name] || replApps[name]
}
