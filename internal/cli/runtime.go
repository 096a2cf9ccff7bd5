package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/fc7/stagebuild/internal"
	"github.com/fc7/stagebuild/internal/paths"
	"github.com/fc7/stagebuild/internal/runtime"
	"github.com/fc7/stagebuild/internal/service"
)

const defaultSnapshotter = runtime.DefaultSnapshotter

// Connects to containerd using the global flags.
func openRuntime() (*runtime.Runtime, error) {
	slog.Debug("connecting to containerd",
		"address", RootCmd.ContainerdAddress,
		"namespace", RootCmd.Namespace,
		"snapshotter", RootCmd.Snapshotter,
	)
	return runtime.New(RootCmd.ContainerdAddress, RootCmd.Namespace, RootCmd.Snapshotter)
}

// Runs fn with a build service backed by a fresh runtime, closing the
// runtime afterwards.
func withService(ctx context.Context, fn func(context.Context, service.BuildService) error) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("failed to close runtime", "error", err)
		}
	}()

	svc := service.BuildService{
		Runtime: rt,
		Logger:  slog.Default(),
		WorkDir: paths.Work(),
	}
	if !internal.IsQuiet() {
		svc.Stdout = os.Stderr
	}
	return fn(ctx, svc)
}
