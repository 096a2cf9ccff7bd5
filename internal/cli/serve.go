package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/fc7/stagebuild/internal/paths"
	"github.com/fc7/stagebuild/internal/server"
	"github.com/fc7/stagebuild/internal/service"
)

// Represents the 'stagebuild serve' command.
type ServeCmd struct {
	PIDFile string `name:"pid-file" help:"Override the default PID file path." placeholder:"PATH"`
}

// Executes the serve command.
//
// Starts the daemon on a Unix domain socket and blocks until the context
// is cancelled (e.g. via SIGINT or SIGTERM) or a client requests shutdown.
func (c *ServeCmd) Run(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := service.BuildService{
		Runtime: rt,
		Logger:  slog.Default(),
		Stdout:  os.Stderr,
		WorkDir: paths.Work(),
	}

	srv := server.New(server.Config{
		SocketPath: RootCmd.Socket,
		PIDFile:    c.PIDFile,
	}, svc)

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("stagebuild daemon is running", "pid", os.Getpid())

	stopped := make(chan struct{})
	go func() {
		srv.Wait()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
	case <-stopped:
	}

	slog.Info("shutting down")
	return srv.Stop()
}
