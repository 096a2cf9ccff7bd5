package manifest

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/fc7/stagebuild/internal/pipeline"
	"github.com/fc7/stagebuild/internal/source"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Defaults applied to fields left empty.
const (
	defaultAssemblerWorkdir = "/app"
	defaultBuilderRoot      = "/usr/src"
)

// Resolves the file into a validated pipeline definition.
//
// Empty fields take their defaults: the source is the definition
// directory, the builder works in /usr/src/<name>, the assembler in /app,
// and an artifact without a destination lands under the assembler workdir.
// Env files are read and merged under the inline variables. The returned
// error wraps [pipeline.ErrInvalidDefinition] when the content is invalid.
func (p *Pipeline) Definition() (*pipeline.Definition, error) {
	var errs *multierror.Error

	builder, err := p.stage(pipeline.BuilderStage, p.Builder, path.Join(defaultBuilderRoot, p.Name))
	errs = multierror.Append(errs, err)
	assembler, err := p.stage(pipeline.AssemblerStage, p.Assembler, defaultAssemblerWorkdir)
	errs = multierror.Append(errs, err)

	def := &pipeline.Definition{
		Name:       p.Name,
		Source:     p.source(),
		Builder:    builder,
		Assembler:  assembler,
		Entrypoint: p.Entrypoint,
		Tag:        p.Tag,
		Toolchain:  p.Toolchain,
		Build: pipeline.Build{
			Command: p.Build.Command,
			Mode:    pipeline.Mode(p.Build.Mode),
		},
	}

	if p.Build.ModeArgs != nil {
		def.Build.ModeArgs = make(map[pipeline.Mode][]string, len(p.Build.ModeArgs))
		for mode, args := range p.Build.ModeArgs {
			def.Build.ModeArgs[pipeline.Mode(mode)] = args
		}
	}

	for _, a := range p.Artifacts {
		dest := a.Dest
		if dest == "" && a.Path != "" {
			dest = path.Join(assembler.Workdir, path.Base(a.Path))
		}
		def.Artifacts = append(def.Artifacts, pipeline.Artifact{Path: a.Path, Dest: dest})
	}
	for _, f := range p.Files {
		def.Files = append(def.Files, pipeline.File{Source: p.resolve(f.Source), Dest: f.Dest})
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, errors.Wrap(pipeline.ErrInvalidDefinition, err.Error())
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (p *Pipeline) source() source.Spec {
	switch {
	case p.Source.Local != nil || p.Source.Git != nil:
		var spec source.Spec
		if l := p.Source.Local; l != nil {
			spec.Local = &source.Local{Dir: p.resolve(l.Dir), Exclude: l.Exclude}
			if l.Dir == "" {
				spec.Local.Dir = p.dir
			}
		}
		if g := p.Source.Git; g != nil {
			spec.Git = &source.Git{URL: g.URL, Ref: g.Ref, Exclude: g.Exclude}
		}
		return spec
	}
	return source.Spec{Local: &source.Local{Dir: p.dir}}
}

func (p *Pipeline) stage(name string, s Stage, defaultWorkdir string) (pipeline.Stage, error) {
	var errs *multierror.Error

	var base pipeline.ImageRef
	if s.Image == "" {
		errs = multierror.Append(errs, fmt.Errorf("%s: image is required", name))
	} else if ref, err := pipeline.ParseImageRef(s.Image); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
	} else {
		if ref.IsArchive() {
			ref.Archive = p.resolve(ref.Archive)
		}
		base = ref
	}

	env := pipeline.Environment{}
	if s.EnvFile != "" {
		vars, err := godotenv.Read(p.resolve(s.EnvFile))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: env_file: %w", name, err))
		}
		env = env.Merge(vars)
	}
	env = env.Merge(s.Env)

	workdir := s.Workdir
	if workdir == "" {
		workdir = defaultWorkdir
	}

	return pipeline.Stage{
		Base:           base,
		Workdir:        workdir,
		Packages:       s.Packages,
		PackageManager: pipeline.PackageManager(s.PackageManager),
		Env:            env,
	}, errs.ErrorOrNil()
}

// Returns the definition that packages the deduplicator binary: a Rust
// toolchain builder compiling with AES and SSE2 target features, and a
// slim Debian runtime image holding only the binary.
func Default() *Pipeline {
	return &Pipeline{
		Name: "deduplicator",
		Source: Source{
			Local: &Local{Dir: ".", Exclude: []string{"target"}},
		},
		Builder: Stage{
			Image:    "docker.io/library/rust:1.83-bookworm",
			Workdir:  "/usr/src/deduplicator",
			Packages: []string{"pkg-config", "libssl-dev"},
			Env:      map[string]string{"RUSTFLAGS": "-C target-feature=+aes,+sse2"},
		},
		Build: Build{
			Command: Command{"cargo", "build"},
			Mode:    string(pipeline.ModeRelease),
		},
		Artifacts: []Artifact{
			{Path: "target/release/deduplicator", Dest: "/app/deduplicator"},
		},
		Assembler: Stage{
			Image:   "docker.io/library/debian:bookworm-slim",
			Workdir: defaultAssemblerWorkdir,
		},
		Tag: "deduplicator:latest",
	}
}

// Returns a copy of p whose relative paths resolve against dir.
func (p *Pipeline) In(dir string) *Pipeline {
	c := *p
	c.dir = filepath.Clean(dir)
	return &c
}
