package orchestrator

import (
	"os/exec"
	"strings"
	"testing"

	"github.com/atomize-hq/substrate/internal/config"
	"github.com/atomize-hq/substrate/internal/envelope"
	"github.com/atomize-hq/substrate/internal/span"
)

func TestChildEnv_PropagatesCorrelationAndSessionOverrides(t *testing.T) {
	o := &Orchestrator{
		Config: config.Default(),
		BaseEnvelope: envelope.Envelope{
			SessionID: "sess-1",
			Depth:     2,
		},
	}
	sess := newSession("sess-1", 2)
	sess.setEnv("FOO", "bar")

	spanID, err := span.NewID()
	if err != nil {
		t.Fatalf("span.NewID: %v", err)
	}

	env := o.childEnv(sess, spanID)

	var gotDepth, gotParent, gotFoo string
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "SHIM_DEPTH="):
			gotDepth = strings.TrimPrefix(kv, "SHIM_DEPTH=")
		case strings.HasPrefix(kv, "SHIM_PARENT_CMD_ID="):
			gotParent = strings.TrimPrefix(kv, "SHIM_PARENT_CMD_ID=")
		case kv == "FOO=bar":
			gotFoo = kv
		}
	}
	if gotDepth != "3" {
		t.Fatalf("SHIM_DEPTH want 3 (base depth 2 + 1), got %s", gotDepth)
	}
	if gotParent != spanID.String() {
		t.Fatalf("SHIM_PARENT_CMD_ID want %s, got %s", spanID.String(), gotParent)
	}
	if gotFoo != "FOO=bar" {
		t.Fatalf("session override FOO=bar should be present, got %v", env)
	}
}

func TestDirectExitCode(t *testing.T) {
	if got := directExitCode(nil); got != 0 {
		t.Fatalf("nil error want exit 0, got %d", got)
	}

	cmd := exec.Command("sh", "-c", "exit 7")
	waitErr := cmd.Run()
	if got := directExitCode(waitErr); got != 7 {
		t.Fatalf("exit 7 want 7, got %d", got)
	}

	if got := directExitCode(exec.ErrNotFound); got != 127 {
		t.Fatalf("non-ExitError want 127, got %d", got)
	}
}

func TestDirectExitCode_Signaled(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -TERM $$")
	waitErr := cmd.Run()
	if waitErr == nil {
		t.Fatalf("expected the shell to terminate itself by signal")
	}
	const sigterm = 15
	if got := directExitCode(waitErr); got != 128+sigterm {
		t.Fatalf("signaled exit want %d, got %d", 128+sigterm, got)
	}
}
