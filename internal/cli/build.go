package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fc7/stagebuild/internal/paths"
	"github.com/fc7/stagebuild/internal/protocol"
	"github.com/fc7/stagebuild/internal/service"
	"github.com/pkg/errors"
)

// Represents the 'stagebuild build' command.
type BuildCmd struct {
	File       string `short:"f" default:"${definition}" help:"Pipeline definition file." placeholder:"PATH"`
	Output     string `short:"o" default:"dist" help:"Directory receiving image.tar and build.json." placeholder:"DIR"`
	Platform   string `help:"Target platform. Defaults to the host's." placeholder:"OS/ARCH"`
	KeepStages bool   `name:"keep-stages" help:"Keep stage containers after a successful run."`
	Daemon     bool   `help:"Submit the build to the running daemon instead of building in-process."`
}

// Executes the build command.
//
// Prints the path of the final image archive on success.
func (c *BuildCmd) Run(ctx context.Context) error {
	req, err := c.request()
	if err != nil {
		return err
	}

	if c.Daemon {
		return c.submit(ctx, req)
	}

	return withService(ctx, func(ctx context.Context, svc service.BuildService) error {
		run, err := svc.Run(ctx, req)
		if err != nil {
			if run != nil && run.Record != "" {
				slog.Info("run record written", "path", run.Record)
			}
			return err
		}
		fmt.Println(run.Image.Path)
		return nil
	})
}

// Resolves the file and output paths into a build request.
//
// Paths are made absolute so the request can be served by a daemon running
// in another working directory.
func (c *BuildCmd) request() (protocol.BuildRequest, error) {
	def, err := filepath.Abs(c.File)
	if err != nil {
		return protocol.BuildRequest{}, errors.Wrap(err, "resolve definition path")
	}
	out, err := filepath.Abs(c.Output)
	if err != nil {
		return protocol.BuildRequest{}, errors.Wrap(err, "resolve output path")
	}
	return protocol.BuildRequest{
		Definition: def,
		Output:     out,
		Platform:   c.Platform,
		KeepStages: c.KeepStages,
	}, nil
}

func (c *BuildCmd) submit(ctx context.Context, req protocol.BuildRequest) error {
	var res protocol.BuildResult
	if err := protocol.Call(ctx, socketPath(), protocol.CmdBuild, req, &res); err != nil {
		var er *protocol.ErrorResult
		if errors.As(err, &er) && er.Record != "" {
			slog.Info("run record written", "path", er.Record)
		}
		return err
	}

	slog.Info("image finalized",
		"run", res.Run,
		"digest", res.Digest,
		"tag", res.Tag,
		"size", humanize.Bytes(uint64(res.Size)),
	)
	fmt.Println(res.Image)
	return nil
}

// Returns the daemon socket path from the global flags.
func socketPath() string {
	if RootCmd.Socket != "" {
		return RootCmd.Socket
	}
	return paths.Socket()
}
