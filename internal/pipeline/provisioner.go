package pipeline

import (
	"context"
	"io"
	"log/slog"
)

// Default shell used to run package manager commands.
const defaultShell = "/bin/sh"

// A stage container together with the state accumulated by its operations.
//
// The environment starts empty and is extended by setEnvironment. Every
// operation issued after that sees the accumulated variables.
type session struct {
	name  string
	stage Stage
	ctr   Container
	env   Environment
	out   io.Writer
	log   *slog.Logger
}

// Starts the stage container and installs the stage's packages.
//
// The session is returned even when installation fails, so that the caller
// can report or keep the partially provisioned container. Failures are
// [ErrProvisioning] stage errors and are never retried.
func provision(ctx context.Context, rt Runtime, name string, stage Stage, id, platform string, out io.Writer, log *slog.Logger) (*session, error) {
	log = log.With("stage", name)
	log.Info("provisioning stage", "image", stage.Base.String(), "packages", len(stage.Packages))

	ctr, err := rt.Start(ctx, stage.Base, id, platform)
	if err != nil {
		return nil, &StageError{Stage: name, Op: "start", Kind: ErrProvisioning, Err: err}
	}

	s := &session{
		name:  name,
		stage: stage,
		ctr:   ctr,
		env:   Environment{},
		out:   out,
		log:   log.With("container", ctr.ID()),
	}

	if len(stage.Packages) == 0 {
		return s, nil
	}

	script, err := stage.PackageManager.InstallCommand(stage.Packages)
	if err != nil {
		return s, &StageError{Stage: name, Op: "provision", Kind: ErrProvisioning, Err: err}
	}

	s.log.Debug("installing packages", "packages", stage.Packages)

	code, stderr, err := ctr.Run(ctx, Command{
		Args:   []string{defaultShell, "-c", script},
		Stdout: out,
	})
	if err != nil {
		return s, &StageError{Stage: name, Op: "provision", Kind: ErrProvisioning, Err: err}
	}
	if code != 0 {
		return s, &StageError{Stage: name, Op: "provision", Kind: ErrProvisioning, ExitCode: code, Stderr: tail(stderr)}
	}

	return s, nil
}

// Records variables that every later operation in the stage sees.
//
// Values are not validated; the commands that read them own their syntax.
func (s *session) setEnvironment(vars Environment) {
	s.env = s.env.Merge(vars)
	if len(vars) > 0 {
		s.log.Debug("environment set", "keys", vars.Keys())
	}
}

// Runs args in the stage's workdir with the accumulated environment.
func (s *session) run(ctx context.Context, args ...string) (int, string, error) {
	return s.ctr.Run(ctx, Command{
		Args:    args,
		Env:     s.env.Environ(),
		Workdir: s.stage.Workdir,
		Stdout:  s.out,
	})
}
