// Package telemetry is the pure-Go half of the in-world syscall
// observer (spec §4.G). The cgo shared object in cmd/substrate-preload
// intercepts execve/open/openat/connect/accept at the libc boundary
// and calls into this package to turn each interception into a
// syscall span. It is explicitly not a security boundary: every
// failure mode here degrades to dropping the observation, never to
// blocking or crashing the intercepted call.
package telemetry

import (
	"os"
	"time"

	"github.com/atomize-hq/substrate/internal/redact"
	"github.com/atomize-hq/substrate/internal/span"
	"github.com/atomize-hq/substrate/internal/trace"
)

// queueDepth bounds how many pending observations Notify will buffer
// before dropping the newest one rather than blocking the caller.
const queueDepth = 1024

// sendTimeout is the absolute ceiling Notify will ever spend before
// giving up on an observation (spec's "never blocks more than a
// bounded time").
const sendTimeout = 2 * time.Millisecond

type observation struct {
	syscallName string
	arg         string
	fd          int
	at          time.Time
}

// Observer drains a bounded queue of syscall observations into a
// trace.Writer. The zero value is not usable; construct with New.
type Observer struct {
	sessionID    string
	parentSpanID *span.ID
	queue        chan observation
	writer       *trace.Writer
	done         chan struct{}
}

// global is the process-wide Observer the cgo entry points notify.
// A preloaded shared object has exactly one Go runtime instance per
// process, so a package-level singleton mirrors that reality instead
// of threading an Observer handle through cgo call boundaries.
var global *Observer

// Init starts the background observer for the current process,
// reading SUBSTRATE_SESSION_ID and SHIM_PARENT_CMD_ID from the
// environment (spec §4.G correlation contract) and appending spans to
// tracePath. Any failure to open the trace file degrades Init to a
// no-op observer: Notify becomes a cheap discard rather than a panic
// or a blocked syscall.
func Init(tracePath string) {
	sessionID := os.Getenv("SUBSTRATE_SESSION_ID")
	var parent *span.ID
	if v := os.Getenv("SHIM_PARENT_CMD_ID"); v != "" {
		if id, err := span.ParseID(v); err == nil {
			parent = &id
		}
	}

	o := &Observer{
		sessionID:    sessionID,
		parentSpanID: parent,
		queue:        make(chan observation, queueDepth),
		done:         make(chan struct{}),
	}

	if tracePath != "" {
		w, err := trace.Open(tracePath, false)
		if err == nil {
			o.writer = w
		}
	}

	global = o
	go o.run()
}

// Notify records one intercepted syscall. It never blocks the caller
// beyond sendTimeout: a full queue silently drops the observation.
func Notify(syscallName, arg string, fd int) {
	o := global
	if o == nil {
		return
	}
	obs := observation{syscallName: syscallName, arg: arg, fd: fd, at: time.Now()}
	select {
	case o.queue <- obs:
	case <-time.After(sendTimeout):
		// Queue didn't drain in time; drop rather than block the
		// intercepted syscall any further.
	}
}

// Shutdown stops the background observer and flushes its writer. Safe
// to call when Init was never called.
func Shutdown() {
	o := global
	if o == nil {
		return
	}
	close(o.done)
	if o.writer != nil {
		o.writer.Close()
	}
	global = nil
}

func (o *Observer) run() {
	for {
		select {
		case obs := <-o.queue:
			o.emit(obs)
		case <-o.done:
			return
		}
	}
}

func (o *Observer) emit(obs observation) {
	if o.writer == nil {
		return
	}
	id, err := span.NewID()
	if err != nil {
		return
	}
	arg := redact.String(obs.arg)
	s := &span.Span{
		SpanID:         id,
		SessionID:      o.sessionID,
		ParentSpanID:   o.parentSpanID,
		EventType:      span.EventSyscall,
		TimestampStart: obs.at,
		Argv:           []string{obs.syscallName, arg},
	}
	// Best-effort: a write failure here must never propagate back
	// into the intercepted libc call.
	_ = o.writer.Write(s)
}
