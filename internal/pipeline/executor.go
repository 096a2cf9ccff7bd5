package pipeline

import (
	"context"
	"path"

	"github.com/fc7/stagebuild/internal/source"
)

// Copies the source tree into the stage workdir and runs the build command.
//
// Any failure, including a non-zero exit from the build command, is a
// [ErrBuild] stage error. Nothing produced by a failed build is used.
func (s *session) build(ctx context.Context, tree *source.Tree, b Build) error {
	workdir := path.Clean(s.stage.Workdir)

	if err := s.ctr.MkdirAll(ctx, path.Dir(workdir)); err != nil {
		return &StageError{Stage: s.name, Op: "source", Kind: ErrBuild, Err: err}
	}

	r := tree.Reader(path.Base(workdir))
	err := s.ctr.CopyTo(ctx, r, path.Dir(workdir))
	r.Close()
	if err != nil {
		return &StageError{Stage: s.name, Op: "source", Kind: ErrBuild, Err: err}
	}

	args := b.Args()
	s.log.Info("running build", "command", args, "mode", b.EffectiveMode())

	code, stderr, err := s.run(ctx, args...)
	if err != nil {
		return &StageError{Stage: s.name, Op: "build", Kind: ErrBuild, Err: err}
	}
	if code != 0 {
		return &StageError{Stage: s.name, Op: "build", Kind: ErrBuild, ExitCode: code, Stderr: tail(stderr)}
	}

	return nil
}
