package server

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fc7/stagebuild/internal/protocol"
	"github.com/pkg/errors"
)

type fakeBuilder struct {
	mu       sync.Mutex
	requests []protocol.BuildRequest
	err      error
	block    chan struct{}
}

func (b *fakeBuilder) Build(ctx context.Context, req protocol.BuildRequest) (*protocol.BuildResult, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return &protocol.BuildResult{Run: "run-1", Image: filepath.Join(req.Output, "image.tar")}, nil
}

func (b *fakeBuilder) seen() []protocol.BuildRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.BuildRequest(nil), b.requests...)
}

func startServer(t *testing.T, b Builder) (*Server, string) {
	t.Helper()

	dir := t.TempDir()
	socket := filepath.Join(dir, "s.sock")
	srv := New(Config{SocketPath: socket, PIDFile: filepath.Join(dir, "pid")}, b)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, socket
}

func TestStatus(t *testing.T) {
	_, socket := startServer(t, &fakeBuilder{})

	var status protocol.StatusResult
	if err := protocol.Call(context.Background(), socket, protocol.CmdStatus, nil, &status); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !status.Running || status.Pid != os.Getpid() || status.Builds != 0 {
		t.Fatalf("status = %+v", status)
	}
}

func TestBuild(t *testing.T) {
	b := &fakeBuilder{}
	_, socket := startServer(t, b)

	req := protocol.BuildRequest{Definition: "/src/stagebuild.yaml", Output: "/src/dist", KeepStages: true}
	var res protocol.BuildResult
	if err := protocol.Call(context.Background(), socket, protocol.CmdBuild, &req, &res); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Image != "/src/dist/image.tar" {
		t.Fatalf("image = %q", res.Image)
	}
	if seen := b.seen(); len(seen) != 1 || seen[0] != req {
		t.Fatalf("requests = %+v", seen)
	}

	var status protocol.StatusResult
	if err := protocol.Call(context.Background(), socket, protocol.CmdStatus, nil, &status); err != nil {
		t.Fatal(err)
	}
	if status.Builds != 1 {
		t.Fatalf("builds = %d, want 1", status.Builds)
	}
}

func TestBuildFailure(t *testing.T) {
	b := &fakeBuilder{err: &protocol.ErrorResult{Message: "build failed", Stage: "builder", ExitCode: 101}}
	_, socket := startServer(t, b)

	err := protocol.Call(context.Background(), socket, protocol.CmdBuild, &protocol.BuildRequest{Definition: "/a.yaml", Output: "/out"}, nil)
	var res *protocol.ErrorResult
	if !errors.As(err, &res) {
		t.Fatalf("err = %v, want *protocol.ErrorResult", err)
	}
	if res.Stage != "builder" || res.ExitCode != 101 {
		t.Fatalf("result = %+v", res)
	}
}

func TestBuildRejectsRelativePaths(t *testing.T) {
	b := &fakeBuilder{}
	_, socket := startServer(t, b)

	err := protocol.Call(context.Background(), socket, protocol.CmdBuild, &protocol.BuildRequest{Definition: "stagebuild.yaml", Output: "/out"}, nil)
	var res *protocol.ErrorResult
	if !errors.As(err, &res) {
		t.Fatalf("err = %v, want *protocol.ErrorResult", err)
	}
	if len(b.seen()) != 0 {
		t.Fatal("builder called for a relative definition path")
	}
}

func TestBuildCancelledOnDisconnect(t *testing.T) {
	b := &fakeBuilder{block: make(chan struct{})}
	_, socket := startServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := protocol.Call(ctx, socket, protocol.CmdBuild, &protocol.BuildRequest{Definition: "/a.yaml", Output: "/out"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The cancelled build releases the build lock, so the next one runs.
	close(b.block)
	if err := protocol.Call(context.Background(), socket, protocol.CmdBuild, &protocol.BuildRequest{Definition: "/b.yaml", Output: "/out"}, nil); err != nil {
		t.Fatalf("second build: %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, socket := startServer(t, &fakeBuilder{})

	err := protocol.Call(context.Background(), socket, protocol.Command("exec"), nil, nil)
	var res *protocol.ErrorResult
	if !errors.As(err, &res) {
		t.Fatalf("err = %v, want *protocol.ErrorResult", err)
	}
}

func TestShutdown(t *testing.T) {
	srv, socket := startServer(t, &fakeBuilder{})

	if err := protocol.Call(context.Background(), socket, protocol.CmdShutdown, nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		srv.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStopCancelsRunningBuild(t *testing.T) {
	b := &fakeBuilder{block: make(chan struct{})}
	srv, socket := startServer(t, b)

	errc := make(chan error, 1)
	go func() {
		errc <- protocol.Call(context.Background(), socket, protocol.CmdBuild, &protocol.BuildRequest{Definition: "/a.yaml", Output: "/out"}, nil)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(b.seen()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("build never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a build was running")
	}

	var res *protocol.ErrorResult
	if err := <-errc; !errors.As(err, &res) {
		t.Fatalf("err = %v, want *protocol.ErrorResult for the cancelled build", err)
	}
}

func TestStartRefusesLiveDaemon(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getppid())), 0644); err != nil {
		t.Fatal(err)
	}

	srv := New(Config{SocketPath: filepath.Join(dir, "s.sock"), PIDFile: pidFile}, &fakeBuilder{})
	if err := srv.Start(); !errors.Is(err, ErrAlreadyRunning) {
		srv.Stop()
		t.Fatalf("Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartIgnoresStalePIDFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")
	if err := os.WriteFile(pidFile, []byte("99999999"), 0644); err != nil {
		t.Fatal(err)
	}

	srv := New(Config{SocketPath: filepath.Join(dir, "s.sock"), PIDFile: pidFile}, &fakeBuilder{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Stop()

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("PID file = %q, want %d", data, os.Getpid())
	}
}
