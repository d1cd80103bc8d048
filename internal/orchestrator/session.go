package orchestrator

import (
	"os"
	"sync"

	"github.com/atomize-hq/substrate/internal/span"
)

// Session is one shell session's local state: working directory,
// environment overrides from `set`/`unset`, and the causal span chain
// (§8 invariant 1: depth(child) = depth(parent)+1, parent_span_id =
// span_id(parent)).
type Session struct {
	mu sync.Mutex

	id    string
	cwd   string
	env   map[string]string
	depth int
	last  *span.ID

	worldCreated bool
}

func newSession(id string, baseDepth int) *Session {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}
	return &Session{id: id, cwd: cwd, depth: baseDepth, env: make(map[string]string)}
}

// parentSpan returns the span a new command's parent_span_id should
// reference: the previous command's span in this session, or nil for
// the session's first command.
func (s *Session) parentSpan() *span.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) setLast(id span.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &id
}

// Cwd returns the session's current working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *Session) setCwd(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = dir
}

// Environ returns base overridden by the session's set/unset history,
// as a slice suitable for exec.Cmd.Env.
func (s *Session) Environ(base []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.env) == 0 {
		return base
	}
	overridden := make(map[string]bool, len(s.env))
	out := make([]string, 0, len(base)+len(s.env))
	for _, kv := range base {
		key := kv
		for i, c := range kv {
			if c == '=' {
				key = kv[:i]
				break
			}
		}
		if v, ok := s.env[key]; ok {
			if v != "" {
				out = append(out, key+"="+v)
			}
			overridden[key] = true
			continue
		}
		out = append(out, kv)
	}
	for k, v := range s.env {
		if !overridden[k] && v != "" {
			out = append(out, k+"="+v)
		}
	}
	return out
}

func (s *Session) setEnv(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env[key] = value
}

// unsetEnv records key as removed. An empty string value means
// "absent" in Environ's filter above — set and unset share one map so
// a later `set` after `unset` in the same session still wins.
func (s *Session) unsetEnv(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env[key] = ""
}
