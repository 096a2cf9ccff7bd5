package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/fc7/stagebuild/internal/pipeline"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
)

// Bytes of standard error kept per command.
const stderrLimit = 64 << 10

// One process to run in a stage container.
type execRequest struct {
	args    []string
	env     []string  // Overrides on top of the image environment.
	workdir string    // Empty keeps the image working directory.
	stdin   io.Reader // Nil leaves stdin disconnected.
	stdout  io.Writer // Nil discards.
	stderr  io.Writer // Nil discards.
}

// Runs a command directly inside the container, without a shell.
//
// Standard output is streamed to cmd.Stdout; the last part of standard error
// is captured and returned. A non-zero exit code is not an error.
// Cancelling ctx kills the process.
func (c *Container) Run(ctx context.Context, cmd pipeline.Command) (int, string, error) {
	if len(cmd.Args) == 0 {
		return 0, "", wrapf(errors.New("empty command"), "exec in %s", c.id)
	}

	stderr := &tailBuffer{limit: stderrLimit}
	code, err := c.exec(ctx, execRequest{
		args:    cmd.Args,
		env:     cmd.Env,
		workdir: cmd.Workdir,
		stdout:  cmd.Stdout,
		stderr:  stderr,
	})
	if err != nil {
		return 0, "", err
	}
	return code, stderr.String(), nil
}

// Derives the exec process spec for req from the container's process
// template.
func (c *Container) processSpec(req execRequest) *specs.Process {
	p := c.process
	p.Terminal = false
	p.Args = req.args
	if len(req.env) > 0 {
		p.Env = overlayEnv(p.Env, req.env)
	}
	if req.workdir != "" {
		p.Cwd = req.workdir
	}
	return &p
}

// Overlays "key=value" entries on base and returns the result sorted by
// key. Entries without "=" or with an empty key are dropped.
func overlayEnv(base, overrides []string) []string {
	return parseEnviron(base).Merge(parseEnviron(overrides)).Environ()
}

func parseEnviron(entries []string) pipeline.Environment {
	env := make(pipeline.Environment, len(entries))
	for _, entry := range entries {
		if k, v, ok := strings.Cut(entry, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// Runs req as an exec process of the container task and returns its exit
// code once it has exited.
//
// The shim keeps both ends of the stdin FIFO open, so stdin is closed
// explicitly once req.stdin is drained. If ctx is cancelled the process is
// killed and ctx's error is returned.
func (c *Container) exec(ctx context.Context, req execRequest) (int, error) {
	if c.task == nil {
		return 0, wrapf(errors.New("container not started"), "exec in %s", c.id)
	}

	stdin, drained := watchEOF(req.stdin)
	streams := cio.WithStreams(stdin, orDiscard(req.stdout), orDiscard(req.stderr))

	id := fmt.Sprintf("exec-%d", c.execs.Add(1))
	process, err := c.task.Exec(ctx, id, c.processSpec(req), cio.NewCreator(streams))
	if err != nil {
		return 0, wrapf(err, "exec %s in %s", req.args[0], c.id)
	}

	// Cleanup and exit collection must outlive a cancelled ctx.
	bg := context.WithoutCancel(ctx)
	defer process.Delete(bg)

	statusC, err := process.Wait(bg)
	if err != nil {
		return 0, wrapf(err, "wait for %s in %s", req.args[0], c.id)
	}
	if err := process.Start(ctx); err != nil {
		return 0, wrapf(err, "start %s in %s", req.args[0], c.id)
	}

	exited := make(chan struct{})
	defer close(exited)
	if drained != nil {
		go func() {
			select {
			case <-drained:
				process.CloseIO(bg, containerd.WithStdinCloser)
			case <-exited:
			}
		}()
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		process.Kill(bg, syscall.SIGKILL)
		<-statusC
		return 0, wrapf(ctx.Err(), "%s in %s", req.args[0], c.id)
	}

	code, _, err := status.Result()
	if err != nil {
		return 0, wrapf(err, "exit status of %s in %s", req.args[0], c.id)
	}
	return int(code), nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
