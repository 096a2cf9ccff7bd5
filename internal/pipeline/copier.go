package pipeline

import (
	"context"
	"io"
	"os"
	"path"

	"github.com/pkg/errors"
)

// Transfers one artifact from the builder into the pending image layer.
//
// The artifact must exist in the builder, otherwise the copy fails with
// [ErrArtifactNotFound]. The tar stream is first staged to a scratch file so
// that a transfer interrupted half way never reaches the layer. Returns the
// number of content bytes added.
func copyArtifact(ctx context.Context, from *session, a Artifact, to *layer, scratch string) (int64, error) {
	src := a.SourcePath(from.stage.Workdir)
	from.log.Debug("copying artifact", "src", src, "dest", a.Dest)

	code, _, err := from.ctr.Run(ctx, Command{Args: []string{"test", "-e", src}})
	if err != nil {
		return 0, &StageError{Stage: from.name, Op: "copy", Kind: ErrCopy, Err: err}
	}
	if code != 0 {
		return 0, &StageError{Stage: from.name, Op: "copy", Kind: ErrArtifactNotFound, Err: errors.Errorf("%s does not exist", src)}
	}

	staged, err := os.CreateTemp(scratch, "artifact-*.tar")
	if err != nil {
		return 0, &StageError{Stage: from.name, Op: "copy", Kind: ErrCopy, Err: err}
	}
	defer os.Remove(staged.Name())
	defer staged.Close()

	if err := from.ctr.CopyFrom(ctx, staged, src); err != nil {
		return 0, &StageError{Stage: from.name, Op: "copy", Kind: ErrCopy, Err: err}
	}

	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		return 0, &StageError{Stage: from.name, Op: "copy", Kind: ErrCopy, Err: err}
	}

	n, err := to.addTree(staged, path.Base(src), a.Dest)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) || errors.Is(err, ErrFinalization) {
			return 0, &StageError{Stage: AssemblerStage, Op: "copy", Err: err}
		}
		return 0, &StageError{Stage: AssemblerStage, Op: "copy", Kind: ErrCopy, Err: err}
	}

	return n, nil
}

// Adds a fixed host file to the pending image layer.
func copyFile(f File, to *layer) error {
	if err := to.addFile(f.Source, f.Dest); err != nil {
		if errors.Is(err, ErrFinalization) {
			return &StageError{Stage: AssemblerStage, Op: "file", Err: err}
		}
		return &StageError{Stage: AssemblerStage, Op: "file", Kind: ErrCopy, Err: err}
	}
	return nil
}
