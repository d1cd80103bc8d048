// Package worldagent implements substrate's world agent (spec.md §4.F):
// a local service exposing internal/world's backend over a Unix domain
// socket, length-prefixed framed protocol, to the shell orchestrator.
package worldagent

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Opcode identifies a frame's payload shape. Values below 0x80 are
// client requests; values at or above 0x80 are server responses.
type Opcode byte

const (
	OpCreate    Opcode = 0x01 // unary: CreateRequest -> CreateReply
	OpDestroy   Opcode = 0x02 // unary: DestroyRequest -> ack
	OpDiff      Opcode = 0x03 // unary: DiffRequest -> DiffReply
	OpExecBegin Opcode = 0x04 // streaming: ExecBeginRequest, opens a stream
	OpStdin     Opcode = 0x05 // streaming: raw stdin bytes
	OpResize    Opcode = 0x06 // streaming: ResizeRequest
	OpCancel    Opcode = 0x07 // streaming: no payload

	OpStdout Opcode = 0x81 // streaming: raw stdout bytes
	OpStderr Opcode = 0x82 // streaming: raw stderr bytes
	OpExit   Opcode = 0x83 // streaming: ExitReply, terminal
	OpError  Opcode = 0x84 // any: ErrorReply, terminal for the request/stream
	OpAck    Opcode = 0x85 // unary: generic JSON reply (CreateReply/DiffReply/ack)
)

// maxFrameBytes bounds a single frame's payload at 1 MiB, a sanity
// ceiling against a runaway peer — each stdout/stderr frame carries one
// Write's bytes, never a whole stream.
const maxFrameBytes = 1 << 20

// Frame is one protocol message: a 4-byte big-endian payload length,
// a 1-byte opcode, then the payload.
type Frame struct {
	Op      Opcode
	Payload []byte
}

// WriteFrame writes f to w. Safe to call concurrently with ReadFrame on
// the same connection but not with another concurrent WriteFrame — the
// server serializes writes per-connection with its own mutex.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxFrameBytes {
		return fmt.Errorf("worldagent: frame payload %d exceeds max %d", len(f.Payload), maxFrameBytes)
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(f.Payload)))
	header[4] = byte(f.Op)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("worldagent: write frame header: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("worldagent: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(header[0:4])
	if n > maxFrameBytes {
		return Frame{}, fmt.Errorf("worldagent: frame payload %d exceeds max %d", n, maxFrameBytes)
	}
	op := Opcode(header[4])
	if n == 0 {
		return Frame{Op: op}, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("worldagent: read frame payload: %w", err)
	}
	return Frame{Op: op, Payload: payload}, nil
}

// WriteJSON frames and writes a JSON-encoded request/reply.
func WriteJSON(w io.Writer, op Opcode, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("worldagent: marshal %T: %w", v, err)
	}
	return WriteFrame(w, Frame{Op: op, Payload: data})
}

// CreateRequest is OpCreate's payload.
type CreateRequest struct {
	SessionID    string   `json:"session_id"`
	Isolation    string   `json:"isolation"`
	NetScopes    []string `json:"net_scopes"`
	FSWrite      []string `json:"fs_write,omitempty"`
	FSRead       []string `json:"fs_read,omitempty"`
	MemLimitMiB  uint64   `json:"mem_limit_mib"`
	CPULimitSecs float64  `json:"cpu_limit_secs"`
	PidLimit     uint32   `json:"pid_limit"`
	HostRootView string   `json:"host_root_view,omitempty"`
}

// CreateReply is OpAck's payload in response to OpCreate.
type CreateReply struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	NetnsName  string `json:"netns_name"`
	CgroupPath string `json:"cgroup_path"`
	Merged     string `json:"merged"`
	ProxyPort  int    `json:"proxy_port,omitempty"` // 0 unless net_scopes named specific domains
}

// DestroyRequest is OpDestroy's payload.
type DestroyRequest struct {
	SessionID string `json:"session_id"`
}

// DiffRequest is OpDiff's payload.
type DiffRequest struct {
	SessionID string `json:"session_id"`
}

// DiffReply is OpAck's payload in response to OpDiff.
type DiffReply struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// ExecBeginRequest is OpExecBegin's payload. After this frame the
// connection becomes a stream: client may send OpStdin/OpResize/OpCancel
// frames, server replies with OpStdout/OpStderr frames and a terminal
// OpExit.
type ExecBeginRequest struct {
	SessionID string   `json:"session_id"`
	Argv      []string `json:"argv"`
	Env       []string `json:"env"`
	PTY       bool     `json:"pty"`
	Rows      uint16   `json:"rows,omitempty"`
	Cols      uint16   `json:"cols,omitempty"`
}

// ResizeRequest is OpResize's payload.
type ResizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// ExitReply is OpExit's payload, terminal for an exec stream.
type ExitReply struct {
	ExitCode int      `json:"exit_code"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// ErrorReply is OpError's payload.
type ErrorReply struct {
	Message string `json:"message"`
}
