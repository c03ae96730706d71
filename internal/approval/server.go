// Package approval exposes the enforcement queue's approve/reject/
// get_pending operations to a local human operator process over a Unix
// domain socket.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: configurable (approval.socket_path).
// Permissions: 0600. Every accepted connection is additionally checked
// against its SO_PEERCRED credential so a process running as a different
// user cannot approve actions even if it somehow reaches the socket file.
//
// Commands (JSON request -> JSON response):
//
//	{"cmd":"approve","id":"action-3","approver":"alice"}
//	  -> Response: {"ok":true,"action":{...}}
//
//	{"cmd":"reject","id":"action-3","rejector":"alice"}
//	  -> Response: {"ok":true}
//
//	{"cmd":"get_pending"}
//	  -> Response: {"ok":true,"pending":[{...},...]}
//
// This is the minimal transport a human approval gate implies, consumed
// only through the enforcement queue's own interface.
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each accepted connection's peer UID is checked via SO_PEERCRED
//     before any command is dispatched.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/longregen/linnix/internal/enforcement"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for approval commands.
type Request struct {
	Cmd      string `json:"cmd"`                // approve | reject | get_pending
	ID       string `json:"id,omitempty"`       // target enforcement action id
	Approver string `json:"approver,omitempty"` // required for approve
	Rejector string `json:"rejector,omitempty"` // required for reject
}

// Response is the JSON structure for approval command responses.
type Response struct {
	OK      bool                            `json:"ok"`
	Error   string                          `json:"error,omitempty"`
	Action  *enforcement.EnforcementAction  `json:"action,omitempty"`
	Pending []enforcement.EnforcementAction `json:"pending,omitempty"`
}

// Server is the approval Unix domain socket server, backed directly by an
// enforcement.Queue.
type Server struct {
	socketPath string
	queue      *enforcement.Queue
	log        *zap.Logger
	sem        chan struct{} // semaphore: max concurrent connections

	// allowedUID, if set, restricts accepted connections to this peer UID
	// in addition to the socket's file-mode check. 0 (root) by default.
	allowedUID uint32
}

// NewServer creates an approval Server listening for the given socket
// owner UID (0 for root-only, matching the socket's 0600 permissions).
func NewServer(socketPath string, queue *enforcement.Queue, log *zap.Logger, allowedUID uint32) *Server {
	return &Server{
		socketPath: socketPath,
		queue:      queue,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
		allowedUID: allowedUID,
	}
}

// ListenAndServe starts the approval socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("approval: remove stale socket %q: %w", s.socketPath, err)
	}

	if dir := filepath.Dir(s.socketPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("approval: mkdir %q: %w", dir, err)
		}
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("approval: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("approval: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("approval socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("approval: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("approval: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn verifies the peer's credentials, reads one JSON request,
// executes the command, and writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		s.log.Error("approval: non-unix connection, rejecting")
		return
	}

	uid, err := peerCredUID(unixConn)
	if err != nil {
		s.log.Warn("approval: could not read peer credentials", zap.Error(err))
		return
	}
	if uid != s.allowedUID {
		s.log.Warn("approval: rejecting connection from disallowed uid", zap.Uint32("uid", uid))
		return
	}

	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("approval: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "approve":
		return s.cmdApprove(req)
	case "reject":
		return s.cmdReject(req)
	case "get_pending":
		return s.cmdGetPending()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdApprove(req Request) Response {
	if req.ID == "" {
		return Response{OK: false, Error: "id required for approve"}
	}
	if req.Approver == "" {
		return Response{OK: false, Error: "approver required for approve"}
	}
	action, err := s.queue.Approve(req.ID, req.Approver)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Action: &action}
}

func (s *Server) cmdReject(req Request) Response {
	if req.ID == "" {
		return Response{OK: false, Error: "id required for reject"}
	}
	if req.Rejector == "" {
		return Response{OK: false, Error: "rejector required for reject"}
	}
	if err := s.queue.Reject(req.ID, req.Rejector); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdGetPending() Response {
	return Response{OK: true, Pending: s.queue.GetPending()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// peerCredUID reads the connecting process's UID via SO_PEERCRED. Socket
// file mode alone is not enough once the socket directory's ownership is
// wrong, so every connection is checked explicitly.
func peerCredUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("approval: getting raw conn: %w", err)
	}

	var uid uint32
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			sockErr = err
			return
		}
		uid = cred.Uid
	})
	if ctrlErr != nil {
		return 0, fmt.Errorf("approval: SO_PEERCRED control: %w", ctrlErr)
	}
	if sockErr != nil {
		return 0, fmt.Errorf("approval: SO_PEERCRED getsockopt: %w", sockErr)
	}
	return uid, nil
}
