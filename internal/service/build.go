// Package service connects definition files to pipeline runs. It is shared
// by the CLI, which builds in-process, and by the daemon.
package service

import (
	"context"
	"io"
	"log/slog"

	"github.com/fc7/stagebuild/internal/manifest"
	"github.com/fc7/stagebuild/internal/pipeline"
	"github.com/fc7/stagebuild/internal/protocol"
	"github.com/pkg/errors"
)

// Runs pipeline definition files against a runtime.
type BuildService struct {
	Runtime pipeline.Runtime
	Logger  *slog.Logger
	Stdout  io.Writer // Receives build command output. Nil discards it.
	WorkDir string    // Scratch directory for runs.
}

// Loads the definition named by req and runs it.
//
// The returned run is nil when the definition could not be loaded or is
// invalid.
func (s BuildService) Run(ctx context.Context, req protocol.BuildRequest) (*pipeline.Run, error) {
	p, err := manifest.Load(req.Definition)
	if err != nil {
		return nil, err
	}

	def, err := p.Definition()
	if err != nil {
		return nil, errors.Wrap(err, req.Definition)
	}

	runner := &pipeline.Runner{
		Runtime:    s.Runtime,
		Logger:     s.Logger,
		Stdout:     s.Stdout,
		WorkDir:    s.WorkDir,
		KeepStages: req.KeepStages,
	}

	return runner.Run(ctx, def, pipeline.Options{
		Output:   req.Output,
		Platform: req.Platform,
	})
}

// Runs the definition and reports the outcome in wire form.
//
// Failures are returned as [*protocol.ErrorResult] values carrying the
// failed stage, exit code and run record when known.
func (s BuildService) Build(ctx context.Context, req protocol.BuildRequest) (*protocol.BuildResult, error) {
	run, err := s.Run(ctx, req)
	if err != nil {
		return nil, errorResult(run, err)
	}

	return &protocol.BuildResult{
		Run:    run.ID,
		Image:  run.Image.Path,
		Digest: run.Image.Digest.String(),
		Tag:    run.Image.Tag,
		Size:   run.Image.Size,
		Record: run.Record,
	}, nil
}

func errorResult(run *pipeline.Run, err error) *protocol.ErrorResult {
	res := &protocol.ErrorResult{Message: err.Error()}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		res.Stage = se.Stage
		res.ExitCode = se.ExitCode
	}
	if run != nil {
		res.Record = run.Record
	}
	return res
}
