// Package trace implements substrate's append-only JSONL span writer
// (spec §4.B): open/write/close, advisory file locking so concurrent
// shim processes never interleave a partial line, and a ring-buffer
// fallback so the writer never blocks a command over trace durability.
package trace

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/atomize-hq/substrate/internal/retry"
	"github.com/atomize-hq/substrate/internal/span"
)

// lockRetryBase/Max bound each sleep between advisory flock attempts;
// lockTimeout bounds how long Write waits in total before falling back
// to the in-memory ring buffer.
const (
	lockRetryBase = 2 * time.Millisecond
	lockRetryMax  = 100 * time.Millisecond
	lockTimeout   = 500 * time.Millisecond
)

// Writer appends spans to a single trace.jsonl file. It is safe for
// concurrent use by multiple goroutines in one process; cross-process
// safety comes from the advisory flock taken around each write.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	durable bool
	ring    *ringBuffer
}

// Open creates or appends to path. durable fsyncs the file after every
// write; otherwise writes rely on the kernel's buffered append, which
// is still at-least-once durable across process exit but not across a
// kernel panic.
func Open(path string, durable bool) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	return &Writer{
		file:    f,
		buf:     bufio.NewWriter(f),
		durable: durable,
		ring:    newRingBuffer(256),
	}, nil
}

// Write encodes s and appends it to the trace file. The 4 KiB
// atomic-write ceiling is enforced by span.Encode before the write
// ever reaches the filesystem, so a single line never spans more than
// one POSIX append. If the advisory lock cannot be acquired within
// lockTimeout, the span is kept in an in-memory ring buffer and
// flushed on a later successful Write rather than blocking the caller.
func (w *Writer) Write(s *span.Span) error {
	data, err := span.Encode(s)
	if err != nil {
		return fmt.Errorf("trace: encode span: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.lockWithRetry(); err != nil {
		log.Printf("trace: lock contention, buffering span: %v", err)
		w.ring.push(data)
		return nil
	}
	defer w.unlock()

	if w.ring.len() > 0 {
		for _, pending := range w.ring.drain() {
			if _, err := w.buf.Write(pending); err != nil {
				log.Printf("trace: flush buffered span failed: %v", err)
			}
		}
	}

	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("trace: write span: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("trace: flush span: %w", err)
	}
	if w.durable {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("trace: fsync: %w", err)
		}
	}
	return nil
}

// Close flushes any ring-buffered spans best-effort and closes the
// underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ring.len() > 0 {
		if err := w.lockWithRetry(); err == nil {
			for _, pending := range w.ring.drain() {
				w.buf.Write(pending)
			}
			w.buf.Flush()
			w.unlock()
		} else {
			log.Printf("trace: closing with %d spans undelivered", w.ring.len())
		}
	}
	return w.file.Close()
}

func (w *Writer) lockWithRetry() error {
	b := retry.NewBackoff(lockRetryBase, lockRetryMax)
	deadline := time.Now().Add(lockTimeout)
	for {
		err := unix.Flock(int(w.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring trace lock: %w", err)
		}
		time.Sleep(b.Next())
	}
}

func (w *Writer) unlock() {
	if err := unix.Flock(int(w.file.Fd()), unix.LOCK_UN); err != nil {
		log.Printf("trace: unlock failed: %v", err)
	}
}
