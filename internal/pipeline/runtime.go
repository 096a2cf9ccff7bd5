package pipeline

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
)

// A command run inside a stage container.
type Command struct {
	Args    []string  // Program and arguments, run without a shell.
	Env     []string  // "key=value" overrides on top of the image environment.
	Workdir string    // Working directory. Empty uses the image default.
	Stdout  io.Writer // Receives standard output. Nil discards it.
}

// A running stage container.
type Container interface {

	// Returns the container identifier.
	ID() string

	// Runs a command to completion and returns its exit code and captured
	// standard error. A non-zero exit code is not an error.
	Run(ctx context.Context, cmd Command) (int, string, error)

	// Creates a directory, including parents.
	MkdirAll(ctx context.Context, path string) error

	// Extracts a tar stream into destDir.
	CopyTo(ctx context.Context, r io.Reader, destDir string) error

	// Writes the file or directory at path to w as a tar stream whose
	// entries are rooted at the base name of path.
	CopyFrom(ctx context.Context, w io.Writer, path string) error

	// Removes the container and its filesystem.
	Destroy(ctx context.Context)
}

// Starts stage containers and assembles final images.
type Runtime interface {

	// Starts a container from ref. Any existing container with the same ID
	// is replaced.
	Start(ctx context.Context, ref ImageRef, id, platform string) (Container, error)

	// Produces the final image described by spec.
	Assemble(ctx context.Context, spec ImageSpec) (*Image, error)
}

// Everything needed to assemble the final image.
type ImageSpec struct {
	Base     ImageRef    // Assembler base image.
	Platform string      // Target platform, e.g. "linux/amd64".
	Stage    Container   // Provisioned assembler container, nil when not provisioned.
	Layer    string      // Path of the sealed artifact layer (uncompressed tar).
	Config   ImageConfig // Image configuration applied on top of the base.
	Output   string      // Directory receiving the image archive.
	Tag      string      // Optional image name to tag.
}

// Configuration applied to the final image.
type ImageConfig struct {
	WorkingDir string
	Entrypoint []string
	Labels     map[string]string
	CreatedBy  string // History entry describing the artifact layer.
}

// The pipeline's durable output.
type Image struct {
	Path   string        `json:"path"`          // OCI archive on the host.
	Digest digest.Digest `json:"digest"`        // Digest of the image root descriptor.
	Tag    string        `json:"tag,omitempty"` // Tag in the runtime, if any.
	Size   int64         `json:"size"`          // Archive size in bytes.
}
