// Package control implements the privileged local command channel: a
// Unix domain socket accepting newline-delimited JSON request/response
// frames, and the single writer that submits Store mutations onto the
// Scheduler's ordered command queue so a CLI request and a tick never
// race (§5).
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/config"
	"github.com/tavinathanson/taviblock/internal/domain"
	"github.com/tavinathanson/taviblock/internal/logging"
	"github.com/tavinathanson/taviblock/internal/policy"
)

// submitTimeout bounds how long a request waits for its turn on the
// command queue before the client gets a timeout error back.
const submitTimeout = 5 * time.Second

// Server accepts control-channel connections and dispatches commands
// through a single ordered writer.
type Server struct {
	socketPath string
	engine     *policy.Engine
	store      domain.Store
	index      *config.TargetIndex
	adapter    domain.PlatformAdapter
	reload     func() error
	commands   chan func()
	clock      clock.Clock
	logger     logging.Logger

	listener net.Listener
}

// New constructs a Server. commands is the same channel the Scheduler
// drains on every tick and between ticks; reload re-reads and re-applies
// the configuration document in place. adapter is consulted by extend to
// enforce the actively-engaged-user rule (§4.5); a nil adapter skips that
// check, which test doubles rely on.
func New(socketPath string, engine *policy.Engine, store domain.Store, index *config.TargetIndex, adapter domain.PlatformAdapter, commands chan func(), clk clock.Clock, logger logging.Logger, reload func() error) *Server {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Server{
		socketPath: socketPath,
		engine:     engine,
		store:      store,
		index:      index,
		adapter:    adapter,
		reload:     reload,
		commands:   commands,
		clock:      clk,
		logger:     logger,
	}
}

// Run listens on the Unix domain socket until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: clearing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("control: setting socket permissions: %w", err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return ctx.Err()
			}
			s.logger.Warn(map[string]any{"error": err}, "control: accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{OK: false, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn(map[string]any{"error": err}, "control: writing response failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case "status":
		return s.handleStatus(ctx, req)
	case "unblock":
		return s.handleUnblock(ctx, req)
	case "cancel":
		return s.handleCancel(ctx, req)
	case "replace":
		return s.handleReplace(ctx, req)
	case "extend":
		return s.handleExtend(ctx, req)
	case "reload":
		return s.handleReload(ctx, req)
	default:
		return errorResponse(req.ID, fmt.Errorf("unknown command %q", req.Command))
	}
}

// submit runs work on the scheduler's single-writer queue and blocks
// until it has executed, or submitTimeout elapses.
func (s *Server) submit(ctx context.Context, work func()) error {
	done := make(chan struct{})
	select {
	case s.commands <- func() { work(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(submitTimeout):
		return errors.New("control: command queue is backed up")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(submitTimeout):
		return errors.New("control: command execution timed out")
	}
}

func errorResponse(id string, err error) Response {
	return Response{ID: id, OK: false, Error: err.Error()}
}

func toPayload(s domain.Session) SessionPayload {
	return SessionPayload{
		ID:             s.ID,
		Profile:        s.Profile,
		Targets:        s.Targets,
		All:            s.All,
		RequestedAt:    s.RequestedAt.Format(time.RFC3339),
		EffectiveStart: s.EffectiveStart.Format(time.RFC3339),
		End:            s.End.Format(time.RFC3339),
		State:          string(s.State),
	}
}
