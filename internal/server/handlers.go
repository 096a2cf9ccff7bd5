package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fc7/stagebuild/internal"
	"github.com/fc7/stagebuild/internal/protocol"
	"github.com/pkg/errors"
)

// Handles a build command.
//
// Paths in the request must be absolute, since the daemon does not share
// the client's working directory. Waits for any running build to finish
// first.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}
	if !filepath.IsAbs(req.Definition) || !filepath.IsAbs(req.Output) {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: "definition and output must be absolute paths"})
		return
	}

	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	if ctx.Err() != nil {
		slog.Info("client gone before build started", "definition", req.Definition)
		return
	}

	s.setActive(req.Definition)
	result, err := s.builder.Build(ctx, *req)
	s.setActive("")

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	if err != nil {
		var res *protocol.ErrorResult
		if !errors.As(err, &res) {
			res = &protocol.ErrorResult{Message: err.Error()}
		}
		s.respond(conn, protocol.CmdError, res)
		return
	}

	s.respond(conn, protocol.CmdOK, result)
}

func (s *Server) setActive(definition string) {
	s.mu.Lock()
	s.active = definition
	s.mu.Unlock()
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds, active := s.builds, s.active
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Builds:  builds,
		Active:  active,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
