package pipeline

import (
	"context"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Label prefix for recorded builder environment variables.
const envLabelPrefix = "io.stagebuild.env."

// Labels describing how the artifact was built.
const (
	labelMode         = "io.stagebuild.build.mode"
	labelCommand      = "io.stagebuild.build.command"
	labelBuilderImage = "io.stagebuild.builder.image"
	labelRun          = "io.stagebuild.run"
)

// Seals the artifact layer and asks the runtime to assemble the final image.
//
// After this returns, successfully or not, the layer accepts no more
// entries.
func finalize(ctx context.Context, rt Runtime, run *Run, assembler *session, l *layer, output string) (*Image, error) {
	if err := l.seal(); err != nil {
		return nil, &StageError{Stage: AssemblerStage, Op: "finalize", Err: err}
	}

	def := run.Definition
	spec := ImageSpec{
		Base:     def.Assembler.Base,
		Platform: run.Platform,
		Layer:    l.path,
		Output:   output,
		Tag:      def.Tag,
		Config: ImageConfig{
			WorkingDir: def.Assembler.Workdir,
			Entrypoint: def.Entry(),
			Labels:     auditLabels(run),
			CreatedBy:  "stagebuild: copy " + strings.Join(l.entries, " "),
		},
	}
	if assembler != nil {
		spec.Stage = assembler.ctr
	}

	img, err := rt.Assemble(ctx, spec)
	if err != nil {
		return nil, &StageError{Stage: AssemblerStage, Op: "finalize", Kind: ErrExport, Err: err}
	}

	return img, nil
}

// Returns the image labels that make the artifact's build auditable.
//
// Every builder environment variable is recorded, since values such as
// compiler target features change what the binary does.
func auditLabels(run *Run) map[string]string {
	def := run.Definition
	labels := map[string]string{
		ocispec.AnnotationTitle:         def.Name,
		ocispec.AnnotationBaseImageName: def.Assembler.Base.String(),
		labelBuilderImage:               def.Builder.Base.String(),
		labelMode:                       string(def.Build.EffectiveMode()),
		labelCommand:                    strings.Join(def.Build.Args(), " "),
		labelRun:                        run.ID,
		ocispec.AnnotationSource:        def.Source.String(),
	}
	if run.Revision != "" {
		labels[ocispec.AnnotationRevision] = run.Revision
	}
	for k, v := range def.Builder.Env {
		labels[envLabelPrefix+k] = v
	}
	return labels
}
