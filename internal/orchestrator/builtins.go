package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// runBuiltin handles the commands spec.md §4.H says must never spawn
// children: cd, pwd, set, unset. handled is false for everything else,
// which callers route through the broker-then-dispatch path instead.
func runBuiltin(sess *Session, argv []string) (Outcome, bool) {
	switch argv[0] {
	case "cd":
		return builtinCd(sess, argv), true
	case "pwd":
		fmt.Println(sess.Cwd())
		return Outcome{ExitCode: 0}, true
	case "set":
		return builtinSet(sess, argv), true
	case "unset":
		return builtinUnset(sess, argv), true
	default:
		return Outcome{}, false
	}
}

func builtinCd(sess *Session, argv []string) Outcome {
	target := ""
	if len(argv) > 1 {
		target = argv[1]
	} else if home, err := os.UserHomeDir(); err == nil {
		target = home
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(sess.Cwd(), target)
	}
	target = filepath.Clean(target)
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "cd: no such directory: %s\n", target)
		return Outcome{ExitCode: 1}
	}
	sess.setCwd(target)
	return Outcome{ExitCode: 0}
}

// builtinSet accepts `set KEY=VALUE` or `set KEY VALUE`.
func builtinSet(sess *Session, argv []string) Outcome {
	if len(argv) < 2 {
		fmt.Fprintln(os.Stderr, "set: usage: set KEY=VALUE")
		return Outcome{ExitCode: 1}
	}
	if idx := strings.IndexByte(argv[1], '='); idx >= 0 {
		sess.setEnv(argv[1][:idx], argv[1][idx+1:])
		return Outcome{ExitCode: 0}
	}
	if len(argv) < 3 {
		fmt.Fprintln(os.Stderr, "set: usage: set KEY=VALUE")
		return Outcome{ExitCode: 1}
	}
	sess.setEnv(argv[1], argv[2])
	return Outcome{ExitCode: 0}
}

func builtinUnset(sess *Session, argv []string) Outcome {
	if len(argv) < 2 {
		fmt.Fprintln(os.Stderr, "unset: usage: unset KEY")
		return Outcome{ExitCode: 1}
	}
	for _, key := range argv[1:] {
		sess.unsetEnv(key)
	}
	return Outcome{ExitCode: 0}
}
