package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fc7/stagebuild/internal/source"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Filename of the final image archive inside the output directory.
const ImageFilename = "image.tar"

// One execution of a [Definition].
type Run struct {
	ID         string            // Unique run identifier.
	Definition *Definition       // Definition being executed.
	Platform   string            // Target platform.
	Revision   string            // Source revision, for git sources.
	Artifacts  []ArtifactRecord  // Artifacts copied so far.
	Image      *Image            // Final image, set once finalized.
	Record     string            // Path of the run record, once written.
	Err        error             // Error that aborted the run.

	m *machine
}

// An artifact as it landed in the final image.
type ArtifactRecord struct {
	Path string `json:"path"` // Absolute path in the builder.
	Dest string `json:"dest"` // Absolute path in the final image.
	Size int64  `json:"size"` // Content bytes copied.
}

// Returns the current state.
func (r *Run) State() State {
	return r.m.state()
}

// Returns every state entered so far, in order.
func (r *Run) History() []Transition {
	return append([]Transition(nil), r.m.history...)
}

// Returns the wall time spent in each state.
func (r *Run) Timings() []Timing {
	return r.m.timings()
}

// Executes pipeline definitions against a container runtime.
type Runner struct {
	Runtime    Runtime      // Container runtime backing the stages.
	Logger     *slog.Logger // Nil uses the default logger.
	Stdout     io.Writer    // Receives command output. Nil discards it.
	WorkDir    string       // Scratch directory for checkouts and layers. Empty uses the system temp dir.
	KeepStages bool         // Keep stage containers after a successful run.

	now   func() time.Time
	newID func() string
}

// Per-run options.
type Options struct {
	Output   string // Directory receiving the image archive and run record.
	Platform string // Target platform. Empty uses linux/<host arch>.
}

// Runs def to completion.
//
// Stages run strictly in order: the builder is provisioned and builds the
// project, then the artifacts are copied into a layer on top of the
// assembler base and the image is exported. The first failure aborts the
// run; nothing is retried and no image is produced. Stage containers of a
// failed run are left in place for inspection and their IDs are logged.
//
// The returned run is nil only if the definition is invalid.
func (r *Runner) Run(ctx context.Context, def *Definition, opts Options) (*Run, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	if opts.Platform == "" {
		opts.Platform = "linux/" + goruntime.GOARCH
	}

	run := &Run{
		ID:         r.id(),
		Definition: def,
		Platform:   opts.Platform,
		m:          newMachine(r.clock()),
	}

	log := r.logger().With("run", run.ID, "pipeline", def.Name)
	log.Info("starting pipeline", "platform", run.Platform, "output", opts.Output)

	if err := prepareOutput(opts.Output); err != nil {
		run.m.abort()
		run.Err = err
		return run, err
	}

	e := &execution{runner: r, run: run, opts: opts, log: log}
	err := e.execute(ctx)
	e.release(ctx, err != nil)

	if err != nil {
		run.m.abort()
		run.Err = err
		log.Error("pipeline aborted", "state", run.State(), "error", err)
	} else {
		log.Info("pipeline finalized", "image", run.Image.Path, "digest", run.Image.Digest, "size", humanize.Bytes(uint64(run.Image.Size)))
	}

	if opts.Output != "" {
		path, recErr := writeRecord(opts.Output, run.Snapshot())
		if recErr != nil {
			log.Warn("failed to write run record", "error", recErr)
		} else {
			run.Record = path
		}
	}

	return run, err
}

// Ensures the output directory exists and holds no image from an earlier
// run, so that a failed run never leaves an image behind.
func prepareOutput(output string) error {
	if output == "" {
		return errors.Wrap(ErrInvalidDefinition, "no output directory")
	}
	if err := os.MkdirAll(output, 0755); err != nil {
		return err
	}
	stale := filepath.Join(output, ImageFilename)
	if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// State of a single pipeline execution.
type execution struct {
	runner   *Runner
	run      *Run
	opts     Options
	log      *slog.Logger
	sessions []*session
	scratch  string
	tree     *source.Tree
	layer    *layer
}

// Drives the run through every state up to Finalized.
func (e *execution) execute(ctx context.Context) error {
	def := e.run.Definition
	rt := e.runner.Runtime

	if e.runner.WorkDir != "" {
		if err := os.MkdirAll(e.runner.WorkDir, 0755); err != nil {
			return errors.Wrap(err, "create work directory")
		}
	}
	scratch, err := os.MkdirTemp(e.runner.WorkDir, "run-")
	if err != nil {
		return errors.Wrap(err, "create scratch directory")
	}
	e.scratch = scratch

	// Builder stage.
	if err := e.run.m.advance(StateProvisioningBuilder); err != nil {
		return err
	}
	builder, err := provision(ctx, rt, BuilderStage, def.Builder, e.containerID(BuilderStage), e.run.Platform, e.runner.Stdout, e.log)
	e.track(builder)
	if err != nil {
		return err
	}
	builder.setEnvironment(def.Builder.Env)

	if err := e.run.m.advance(StateBuilding); err != nil {
		return err
	}
	e.tree, err = source.Open(ctx, def.Source, scratch)
	if err != nil {
		return &StageError{Stage: BuilderStage, Op: "source", Kind: ErrBuild, Err: err}
	}
	e.run.Revision = e.tree.Revision
	if err := builder.build(ctx, e.tree, def.Build); err != nil {
		return err
	}

	if err := e.run.m.advance(StateArtifactReady); err != nil {
		return err
	}

	// Assembler stage. A container is only needed to install packages; the
	// artifacts are layered on top of the base image directly.
	var assembler *session
	if len(def.Assembler.Packages) > 0 {
		if err := e.run.m.advance(StateProvisioningAssembler); err != nil {
			return err
		}
		assembler, err = provision(ctx, rt, AssemblerStage, def.Assembler, e.containerID(AssemblerStage), e.run.Platform, e.runner.Stdout, e.log)
		e.track(assembler)
		if err != nil {
			return err
		}
		assembler.setEnvironment(def.Assembler.Env)
	}

	if err := e.run.m.advance(StateCopyingArtifact); err != nil {
		return err
	}
	e.layer, err = newLayer(scratch)
	if err != nil {
		return &StageError{Stage: AssemblerStage, Op: "copy", Kind: ErrCopy, Err: err}
	}
	for _, a := range def.Artifacts {
		n, err := copyArtifact(ctx, builder, a, e.layer, scratch)
		if err != nil {
			return err
		}
		e.run.Artifacts = append(e.run.Artifacts, ArtifactRecord{
			Path: a.SourcePath(def.Builder.Workdir),
			Dest: a.Dest,
			Size: n,
		})
		e.log.Info("artifact copied", "dest", a.Dest, "size", humanize.Bytes(uint64(n)))
	}
	for _, f := range def.Files {
		if err := copyFile(f, e.layer); err != nil {
			return err
		}
	}

	img, err := finalize(ctx, rt, e.run, assembler, e.layer, e.opts.Output)
	if err != nil {
		return err
	}
	e.run.Image = img

	return e.run.m.advance(StateFinalized)
}

// Remembers a provisioned stage for release.
func (e *execution) track(s *session) {
	if s != nil {
		e.sessions = append(e.sessions, s)
	}
}

// Releases the resources of the execution.
//
// Scratch files are always removed. Stage containers are destroyed after a
// successful run unless the runner keeps them; after a failure they are
// kept and reported.
func (e *execution) release(ctx context.Context, failed bool) {
	ctx = context.WithoutCancel(ctx)

	for _, s := range e.sessions {
		switch {
		case failed:
			e.log.Warn("stage container kept for inspection", "stage", s.name, "container", s.ctr.ID())
		case e.runner.KeepStages:
			e.log.Info("stage container kept", "stage", s.name, "container", s.ctr.ID())
		default:
			s.ctr.Destroy(ctx)
		}
	}

	var errs *multierror.Error
	if e.layer != nil {
		e.layer.discard()
	}
	if e.tree != nil {
		if err := e.tree.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if e.scratch != "" {
		if err := os.RemoveAll(e.scratch); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		e.log.Warn("cleanup incomplete", "error", err)
	}
}

// Returns the container ID for a stage.
//
// IDs are stable across runs of the same pipeline, so a container left
// behind by a failed run is replaced by the next run.
func (e *execution) containerID(stage string) string {
	return fmt.Sprintf("%s-%s", e.run.Definition.Name, stage)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) clock() func() time.Time {
	if r.now != nil {
		return r.now
	}
	return time.Now
}

func (r *Runner) id() string {
	if r.newID != nil {
		return r.newID()
	}
	return uuid.NewString()
}
