package shim

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/atomize-hq/substrate/internal/span"
)

func writeFakeBinary(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func readSpans(t *testing.T, path string) []span.Span {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	var out []span.Span
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var s span.Span
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			t.Fatalf("unmarshal span line %q: %v", line, err)
		}
		out = append(out, s)
	}
	return out
}

func TestRunEchoSuccessWritesStartAndCompleteSpans(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries are shell scripts")
	}
	realDir := t.TempDir()
	writeFakeBinary(t, realDir, "echo", "echo hello")

	tracePath := filepath.Join(t.TempDir(), "trace.jsonl")
	var stdout bytes.Buffer

	res, err := Run("echo", Deps{
		Environ: []string{
			"SHIM_SESSION_ID=sess-1",
			"SHIM_ORIGINAL_PATH=" + realDir,
			"SHIM_TRACE_LOG=" + tracePath,
		},
		Argv:   []string{"echo"},
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(stdout.String()) != "hello" {
		t.Errorf("stdout = %q", stdout.String())
	}

	spans := readSpans(t, tracePath)
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans (start+complete), got %d", len(spans))
	}
	if spans[0].EventType != span.EventCommandStart {
		t.Errorf("spans[0].EventType = %q", spans[0].EventType)
	}
	if spans[1].EventType != span.EventCommandComplete {
		t.Errorf("spans[1].EventType = %q", spans[1].EventType)
	}
	if spans[0].SpanID != spans[1].SpanID {
		t.Error("start and complete spans should share a span_id")
	}
	if spans[1].ExitCode == nil || *spans[1].ExitCode != 0 {
		t.Errorf("complete span ExitCode = %v, want 0", spans[1].ExitCode)
	}
	if spans[0].SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", spans[0].SessionID)
	}
}

func TestRunPropagatesNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries are shell scripts")
	}
	realDir := t.TempDir()
	writeFakeBinary(t, realDir, "false", "exit 7")

	res, err := Run("false", Deps{
		Environ: []string{"SHIM_ORIGINAL_PATH=" + realDir},
		Argv:    []string{"false"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestRunRejectsRecursiveOriginalPath(t *testing.T) {
	shimDir := t.TempDir()
	writeFakeBinary(t, shimDir, "git", "exit 0")

	_, err := Run("git", Deps{
		Environ: []string{"SHIM_ORIGINAL_PATH=" + shimDir},
		Argv:    []string{"git"},
		ShimDir: shimDir,
	})
	if err == nil {
		t.Fatal("expected an error when the only candidate is inside the shim directory")
	}
}

func TestRunMissingEnvelopeStartsFreshSession(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries are shell scripts")
	}
	realDir := t.TempDir()
	writeFakeBinary(t, realDir, "true", "exit 0")

	res, err := Run("true", Deps{
		Environ: []string{"SHIM_ORIGINAL_PATH=" + realDir},
		Argv:    []string{"true"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestRunBypassSkipsTracing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries are shell scripts")
	}
	realDir := t.TempDir()
	writeFakeBinary(t, realDir, "true", "exit 0")

	called := false
	_, err := Run("true", Deps{
		Environ: []string{"SHIM_ORIGINAL_PATH=" + realDir, "SHIM_BYPASS=1"},
		Argv:    []string{"true"},
		Exec: func(path string, argv, env []string) error {
			called = true
			if !strings.HasSuffix(path, "true") {
				t.Errorf("resolved path = %q", path)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Fatal("bypass path should call the injected Exec hook")
	}
}
