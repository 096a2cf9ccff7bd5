package pipeline

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/fc7/stagebuild/internal/source"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// In-memory runtime. Containers hold a flat map of absolute file paths.
type fakeRuntime struct {
	install     func(c *fakeContainer) (int, string)
	build       func(c *fakeContainer, cmd Command) (int, string)
	startErr    error
	assembleErr error

	containers []*fakeContainer
	spec       *ImageSpec
	layer      []string
}

func (rt *fakeRuntime) Start(ctx context.Context, ref ImageRef, id, platform string) (Container, error) {
	if rt.startErr != nil {
		return nil, rt.startErr
	}
	c := &fakeContainer{rt: rt, id: id, base: ref, platform: platform, files: map[string][]byte{}}
	rt.containers = append(rt.containers, c)
	return c, nil
}

func (rt *fakeRuntime) Assemble(ctx context.Context, spec ImageSpec) (*Image, error) {
	rt.spec = &spec
	if rt.assembleErr != nil {
		return nil, rt.assembleErr
	}

	f, err := os.Open(spec.Layer)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rt.layer = append(rt.layer, h.Name)
	}

	out := filepath.Join(spec.Output, ImageFilename)
	if err := os.WriteFile(out, []byte("image"), 0644); err != nil {
		return nil, err
	}
	return &Image{Path: out, Digest: digest.FromString(spec.Layer), Tag: spec.Tag, Size: 5}, nil
}

func (rt *fakeRuntime) container(id string) *fakeContainer {
	for _, c := range rt.containers {
		if c.id == id {
			return c
		}
	}
	return nil
}

type fakeContainer struct {
	rt        *fakeRuntime
	id        string
	base      ImageRef
	platform  string
	files     map[string][]byte
	commands  []Command
	destroyed bool
}

func (c *fakeContainer) ID() string { return c.id }

func (c *fakeContainer) Run(ctx context.Context, cmd Command) (int, string, error) {
	c.commands = append(c.commands, cmd)
	switch cmd.Args[0] {
	case defaultShell:
		if c.rt.install != nil {
			code, stderr := c.rt.install(c)
			return code, stderr, nil
		}
		return 0, "", nil
	case "test":
		if c.exists(cmd.Args[2]) {
			return 0, "", nil
		}
		return 1, "", nil
	}
	if c.rt.build != nil {
		code, stderr := c.rt.build(c, cmd)
		return code, stderr, nil
	}
	return 0, "", nil
}

func (c *fakeContainer) MkdirAll(ctx context.Context, p string) error {
	return nil
}

func (c *fakeContainer) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		c.files[path.Join(destDir, h.Name)] = data
	}
}

func (c *fakeContainer) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	tw := tar.NewWriter(w)
	base := path.Base(p)
	names := make([]string, 0, len(c.files))
	for name := range c.files {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		var rel string
		switch {
		case name == p:
			rel = base
		case strings.HasPrefix(name, p+"/"):
			rel = base + "/" + strings.TrimPrefix(name, p+"/")
		default:
			continue
		}
		data := c.files[name]
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: rel, Mode: 0755, Size: int64(len(data))}); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	return tw.Close()
}

func (c *fakeContainer) Destroy(ctx context.Context) {
	c.destroyed = true
}

func (c *fakeContainer) exists(p string) bool {
	for name := range c.files {
		if name == p || strings.HasPrefix(name, p+"/") {
			return true
		}
	}
	return false
}

// Builds the artifact like a successful cargo build would.
func buildSucceeds(c *fakeContainer, cmd Command) (int, string) {
	c.files[path.Join(cmd.Workdir, "target/release/deduplicator")] = []byte("\x7fELF")
	return 0, ""
}

var errFake = errors.New("fake runtime failure")

// Returns a valid definition over a small project tree on disk.
func testDefinition(t *testing.T) *Definition {
	t.Helper()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cargo.toml"), "[package]\nname = \"deduplicator\"\n")
	writeFile(t, filepath.Join(dir, "src", "main.rs"), "fn main() {}\n")
	writeFile(t, filepath.Join(dir, "target", "stale"), "old build output")

	return &Definition{
		Name:   "deduplicator",
		Source: source.Spec{Local: &source.Local{Dir: dir, Exclude: []string{"target"}}},
		Builder: Stage{
			Base:     MustParseImageRef("docker.io/library/rust:1.83-bookworm"),
			Workdir:  "/usr/src/deduplicator",
			Packages: []string{"pkg-config", "libssl-dev"},
			Env:      Environment{"RUSTFLAGS": "-C target-feature=+aes,+sse2"},
		},
		Build: Build{Command: []string{"cargo", "build"}},
		Artifacts: []Artifact{
			{Path: "target/release/deduplicator", Dest: "/app/deduplicator"},
		},
		Assembler: Stage{
			Base:    MustParseImageRef("debian:bookworm-slim"),
			Workdir: "/app",
		},
	}
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
