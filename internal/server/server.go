package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fc7/stagebuild/internal/paths"
	"github.com/fc7/stagebuild/internal/protocol"
	"github.com/pkg/errors"
)

const (

	// Members of this group may connect to the daemon socket.
	socketGroup = "stagebuild"

	// Owner and group get read-write (required for connect); others get no
	// access.
	socketMode = 0660
)

var (
	ErrServer         = errors.New("server error")
	ErrAlreadyRunning = errors.New("daemon already running")
)

// Runs builds on behalf of the daemon.
type Builder interface {
	Build(ctx context.Context, req protocol.BuildRequest) (*protocol.BuildResult, error)
}

// Holds server configuration.
type Config struct {
	SocketPath string // Override for the Unix socket path. Empty uses the default.
	PIDFile    string // Override for the PID file path. Empty uses the default.
}

// Serves build requests on a Unix domain socket.
//
// Each connection carries one request and one response. Builds are
// serialized: a build request waits until any running build has finished.
// Stopping the server cancels running and waiting builds.
type Server struct {
	socketPath string
	pidFile    string
	builder    Builder
	listener   net.Listener
	startedAt  time.Time

	ctx      context.Context    // Parent of every request context.
	cancel   context.CancelFunc // Cancels ctx on Stop.
	done     chan struct{}      // Closed when Stop begins.
	stopOnce sync.Once
	handlers sync.WaitGroup // Connections being served.

	buildMu sync.Mutex // Held for the duration of a build.

	mu     sync.Mutex // Guards builds and active.
	builds int        // Build requests processed.
	active string     // Definition currently building.
}

// Creates a new server instance.
//
// The socket is not opened until [Server.Start] is called.
func New(cfg Config, builder Builder) *Server {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	pidFile := cfg.PIDFile
	if pidFile == "" {
		pidFile = paths.PIDFile()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		pidFile:    pidFile,
		builder:    builder,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Opens the Unix socket and begins accepting connections.
//
// Fails with [ErrAlreadyRunning] when the PID file names a live process.
func (s *Server) Start() error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := s.writePID(); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath)

	go s.accept()
	return nil
}

// Returns [ErrAlreadyRunning] if another live process owns the PID file.
// A missing, unreadable or stale PID file is ignored.
func (s *Server) checkRunning() error {
	data, err := os.ReadFile(s.pidFile)
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return nil
	}

	// Signal 0 only checks for existence. EPERM means the process exists
	// but belongs to another user.
	if err := syscall.Kill(pid, 0); err == nil || errors.Is(err, syscall.EPERM) {
		return errors.Wrapf(ErrAlreadyRunning, "pid %d (%s)", pid, s.pidFile)
	}

	slog.Debug("ignoring stale PID file", "path", s.pidFile, "pid", pid)
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, errors.Wrap(ErrServer, err.Error())
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(ErrServer, "listen on %s: %v", socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to the owner and the stagebuild group.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return errors.Wrapf(ErrServer, "chmod socket %s: %v", socketPath, err)
	}

	g, err := user.LookupGroup(socketGroup)
	if err != nil {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
		return nil
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return nil
	}
	if err := os.Chown(socketPath, -1, gid); err != nil {
		slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
	}
	return nil
}

// Stops accepting connections, cancels running builds and waits for every
// connection to be answered. Safe to call more than once and from several
// goroutines; every call waits.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()

		if s.listener != nil {
			s.listener.Close()
		}

		os.Remove(s.socketPath)
		os.Remove(s.pidFile)
	})
	s.handlers.Wait()
	return nil
}

// Blocks until the server begins stopping.
func (s *Server) Wait() {
	<-s.done
}

// Accepts connections until the listener is closed.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handle(conn)
		}()
	}
}

// Serves one request on conn.
//
// The request context is cancelled when the client hangs up or the server
// stops, whichever comes first.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	slog.Info("command received", "command", env.Command)

	ctx, cancel := contextWithDisconnect(s.ctx, reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to its handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdBuild:
		s.handleBuild(ctx, conn, payload)
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: fmt.Sprintf("unknown command: %s", cmd),
		})
	}
}

// Writes one newline-terminated envelope to conn.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		slog.Debug("client gone before response", "command", cmd, "error", err)
	}
}

// Records the daemon PID so a second daemon can detect this one.
func (s *Server) writePID() error {
	if err := os.MkdirAll(filepath.Dir(s.pidFile), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(s.pidFile, []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}

// Returns a context derived from parent that is also cancelled when the
// peer closes the connection.
//
// A background read on r blocks until the peer hangs up, so no further data
// may be expected on r while the context is in use. The returned
// [context.CancelFunc] must always be called.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}
