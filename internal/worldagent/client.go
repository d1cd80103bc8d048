package worldagent

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// Client is the shell orchestrator's handle to a running Server.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("worldagent: dial %s: %w", c.socketPath, err)
	}
	return conn, nil
}

func (c *Client) unaryCall(op Opcode, req, reply any) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := WriteJSON(conn, op, req); err != nil {
		return err
	}
	f, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("worldagent: read reply: %w", err)
	}
	if f.Op == OpError {
		var e ErrorReply
		json.Unmarshal(f.Payload, &e)
		return fmt.Errorf("worldagent: %s", e.Message)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(f.Payload, reply); err != nil {
		return fmt.Errorf("worldagent: decode reply: %w", err)
	}
	return nil
}

func (c *Client) Create(req CreateRequest) (*CreateReply, error) {
	var reply CreateReply
	if err := c.unaryCall(OpCreate, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Destroy(sessionID string) error {
	return c.unaryCall(OpDestroy, DestroyRequest{SessionID: sessionID}, nil)
}

func (c *Client) Diff(sessionID string) (*DiffReply, error) {
	var reply DiffReply
	if err := c.unaryCall(OpDiff, DiffRequest{SessionID: sessionID}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ExecStream is a live exec connection: send stdin via WriteStdin and
// Resize/Cancel as needed, and call Recv for Stdout/Stderr bytes until
// it returns the terminal ExitReply.
type ExecStream struct {
	conn net.Conn
}

// Exec opens a streaming exec connection (spec.md §4.F "Streaming").
func (c *Client) Exec(req ExecBeginRequest) (*ExecStream, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	if err := WriteJSON(conn, OpExecBegin, req); err != nil {
		conn.Close()
		return nil, err
	}
	return &ExecStream{conn: conn}, nil
}

func (es *ExecStream) WriteStdin(p []byte) error {
	return WriteFrame(es.conn, Frame{Op: OpStdin, Payload: p})
}

func (es *ExecStream) Resize(rows, cols uint16) error {
	data, _ := json.Marshal(ResizeRequest{Rows: rows, Cols: cols})
	return WriteFrame(es.conn, Frame{Op: OpResize, Payload: data})
}

func (es *ExecStream) Cancel() error {
	return WriteFrame(es.conn, Frame{Op: OpCancel})
}

func (es *ExecStream) Close() error {
	return es.conn.Close()
}

// Recv reads the next frame: OpStdout/OpStderr carry bytes, OpExit is
// terminal and carries the decoded ExitReply, OpError is terminal and
// returned as an error.
func (es *ExecStream) Recv() (op Opcode, data []byte, exit *ExitReply, err error) {
	f, readErr := ReadFrame(es.conn)
	if readErr != nil {
		if readErr == io.EOF {
			return 0, nil, nil, io.EOF
		}
		return 0, nil, nil, fmt.Errorf("worldagent: recv: %w", readErr)
	}
	switch f.Op {
	case OpStdout, OpStderr:
		return f.Op, f.Payload, nil, nil
	case OpExit:
		var e ExitReply
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			return f.Op, nil, nil, fmt.Errorf("worldagent: decode exit reply: %w", err)
		}
		return f.Op, nil, &e, nil
	case OpError:
		var e ErrorReply
		json.Unmarshal(f.Payload, &e)
		return f.Op, nil, nil, fmt.Errorf("worldagent: %s", e.Message)
	default:
		return f.Op, f.Payload, nil, nil
	}
}
