package runtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
)

func TestArchiveImageName(t *testing.T) {
	name := archiveImageName("/srv/images/debian-slim.tar")

	if !strings.HasPrefix(name, "stagebuild/archive:") {
		t.Fatalf("name %q, want a stagebuild/archive tag", name)
	}
	if _, err := reference.ParseNormalizedNamed(name); err != nil {
		t.Fatalf("name %q is not a valid reference: %v", name, err)
	}
	if archiveImageName("/srv/images/../images/debian-slim.tar") != name {
		t.Fatal("equivalent paths produced different names")
	}
	if archiveImageName("/srv/images/alpine.tar") == name {
		t.Fatal("different archives produced the same name")
	}
}

func TestOpErrorUnwrap(t *testing.T) {
	err := wrapf(errdefs.ErrNotFound, "load container %s", "deduplicator-builder")

	if !errors.Is(err, ErrRuntime) {
		t.Fatal("ErrRuntime not reachable")
	}
	if !errdefs.IsNotFound(err) {
		t.Fatal("cause not reachable")
	}
	if !strings.Contains(err.Error(), "load container deduplicator-builder") {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := wrapf(&exitError{code: 2, stderr: "tar: not found"}, "tar in %s", "deduplicator-assembler")
	want := "runtime error: tar in deduplicator-assembler: exit code 2 (tar: not found)"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
