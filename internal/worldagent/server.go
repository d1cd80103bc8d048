package worldagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/atomize-hq/substrate/internal/store"
	"github.com/atomize-hq/substrate/internal/world"
)

// Server exposes a world.Backend over a Unix domain socket (spec.md
// §4.F), generalizing the teacher's HTTP-over-UDS transport.Server into
// a binary framed protocol so exec's stdin/stdout/stderr can stream
// bidirectionally instead of round-tripping one request/response body.
type Server struct {
	backend    *world.Backend
	store      *store.Store
	socketPath string
}

func NewServer(backend *world.Backend, st *store.Store, socketPath string) *Server {
	return &Server{backend: backend, store: st, socketPath: socketPath}
}

// ListenAndServe blocks until ctx is canceled or the listener errors.
// Refuses to start if the socket would be writable by users other than
// its owner (spec.md §4.F authentication).
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("worldagent: listen unix %s: %w", s.socketPath, err)
	}
	// Refuse to leave the socket accessible to other users (spec.md
	// §4.F authentication) — chmod immediately, then verify it stuck.
	if err := os.Chmod(s.socketPath, 0700); err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("worldagent: chmod socket: %w", err)
	}
	info, err := os.Stat(s.socketPath)
	if err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("worldagent: stat socket: %w", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("worldagent: refusing to start, socket %s is accessible to other users", s.socketPath)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ctx, ln)
	}()

	select {
	case <-ctx.Done():
		ln.Close()
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !authorizedPeer(conn) {
			log.Printf("worldagent: rejected connection from unauthorized peer")
			conn.Close()
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// authorizedPeer inspects SO_PEERCRED: only the socket's owning user and
// root may connect (spec.md §4.F).
func authorizedPeer(conn net.Conn) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	var cred *unix.Ucred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil || credErr != nil {
		return false
	}
	uid := os.Getuid()
	return int(cred.Uid) == uid || cred.Uid == 0
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			return
		}
		switch f.Op {
		case OpCreate:
			s.handleCreate(&writeMu, conn, f)
		case OpDestroy:
			s.handleDestroy(ctx, &writeMu, conn, f)
		case OpDiff:
			s.handleDiff(&writeMu, conn, f)
		case OpExecBegin:
			s.handleExec(ctx, &writeMu, conn, f)
			return
		default:
			writeErrorLocked(&writeMu, conn, fmt.Sprintf("unknown opcode 0x%02x", f.Op))
		}
	}
}

func (s *Server) handleCreate(mu *sync.Mutex, conn net.Conn, f Frame) {
	var req CreateRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		writeErrorLocked(mu, conn, err.Error())
		return
	}
	w, err := s.backend.Create(req.SessionID, world.Spec{
		Isolation:    world.ParseLevel(req.Isolation),
		NetScopes:    req.NetScopes,
		FSWrite:      req.FSWrite,
		FSRead:       req.FSRead,
		MemLimitMiB:  req.MemLimitMiB,
		CPULimit:     time.Duration(req.CPULimitSecs * float64(time.Second)),
		PidLimit:     req.PidLimit,
		HostRootView: req.HostRootView,
	})
	if err != nil {
		writeErrorLocked(mu, conn, err.Error())
		return
	}
	if s.store != nil {
		now := time.Now()
		s.store.CreateSession(&store.WorldSession{
			SessionID: w.SessionID, State: string(w.State), Isolation: req.Isolation,
			NetnsName: w.NetnsName, CgroupPath: w.CgroupPath, MergedPath: w.OverlayDir.Merged,
			CreatedAt: now, PinnedUntil: w.PinnedUntil,
		})
	}
	writeJSONLocked(mu, conn, OpAck, CreateReply{
		SessionID: w.SessionID, State: string(w.State), NetnsName: w.NetnsName,
		CgroupPath: w.CgroupPath, Merged: w.OverlayDir.Merged, ProxyPort: w.ProxyPort,
	})
}

func (s *Server) handleDestroy(ctx context.Context, mu *sync.Mutex, conn net.Conn, f Frame) {
	var req DestroyRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		writeErrorLocked(mu, conn, err.Error())
		return
	}
	if err := s.backend.Destroy(ctx, req.SessionID); err != nil {
		writeErrorLocked(mu, conn, err.Error())
		return
	}
	if s.store != nil {
		s.store.MarkDestroyed(req.SessionID, time.Now())
	}
	writeJSONLocked(mu, conn, OpAck, struct{}{})
}

func (s *Server) handleDiff(mu *sync.Mutex, conn net.Conn, f Frame) {
	var req DiffRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		writeErrorLocked(mu, conn, err.Error())
		return
	}
	w, ok := s.backend.Get(req.SessionID)
	if !ok {
		writeErrorLocked(mu, conn, fmt.Sprintf("no world for session %s", req.SessionID))
		return
	}
	added, modified, deleted, err := w.Diff()
	if err != nil {
		writeErrorLocked(mu, conn, err.Error())
		return
	}
	writeJSONLocked(mu, conn, OpAck, DiffReply{Added: added, Modified: modified, Deleted: deleted})
}

func (s *Server) handleExec(ctx context.Context, mu *sync.Mutex, conn net.Conn, f Frame) {
	var req ExecBeginRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		writeErrorLocked(mu, conn, err.Error())
		return
	}
	w, ok := s.backend.Get(req.SessionID)
	if !ok {
		writeErrorLocked(mu, conn, fmt.Sprintf("no world for session %s", req.SessionID))
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdinR, stdinW := io.Pipe()
	resizeCh := make(chan [2]uint16, 4)

	go func() {
		defer stdinW.Close()
		defer close(resizeCh)
		for {
			cf, err := ReadFrame(conn)
			if err != nil {
				return
			}
			switch cf.Op {
			case OpStdin:
				stdinW.Write(cf.Payload)
			case OpResize:
				var r ResizeRequest
				if json.Unmarshal(cf.Payload, &r) == nil {
					select {
					case resizeCh <- [2]uint16{r.Rows, r.Cols}:
					default:
					}
				}
			case OpCancel:
				cancel()
			}
		}
	}()

	result, err := w.Exec(execCtx, world.ExecRequest{
		Argv:   req.Argv,
		Env:    req.Env,
		PTY:    req.PTY,
		Rows:   req.Rows,
		Cols:   req.Cols,
		Stdin:  stdinR,
		Stdout: &frameWriter{mu: mu, conn: conn, op: OpStdout},
		Stderr: &frameWriter{mu: mu, conn: conn, op: OpStderr},
		Resize: resizeCh,
	})
	if err != nil {
		writeErrorLocked(mu, conn, err.Error())
		return
	}
	writeJSONLocked(mu, conn, OpExit, ExitReply{
		ExitCode: result.ExitCode, Added: result.Added, Modified: result.Modified, Deleted: result.Deleted,
	})
}

// frameWriter adapts WriteFrame to io.Writer so it can be used directly
// as an exec.Cmd's Stdout/Stderr.
type frameWriter struct {
	mu   *sync.Mutex
	conn net.Conn
	op   Opcode
}

func (fw *frameWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := WriteFrame(fw.conn, Frame{Op: fw.op, Payload: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func writeErrorLocked(mu *sync.Mutex, conn net.Conn, msg string) {
	writeJSONLocked(mu, conn, OpError, ErrorReply{Message: msg})
}

func writeJSONLocked(mu *sync.Mutex, conn net.Conn, op Opcode, v any) {
	mu.Lock()
	defer mu.Unlock()
	if err := WriteJSON(conn, op, v); err != nil {
		log.Printf("worldagent: write %v reply: %v", op, err)
	}
}
