package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/fc7/stagebuild/internal/pipeline"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

const (

	// Default snapshotter used for container filesystems. fuse-overlayfs
	// provides overlay semantics without requiring root privileges (no
	// mount(2)), allowing stagebuild to run as a regular user.
	DefaultSnapshotter = "fuse-overlayfs"

	// Shim running stage containers.
	ociRuntime = "io.containerd.runc.v2"

	// Repository holding imported base image archives.
	archiveRepository = "stagebuild"
)

// Manages the containerd client and provides image and container operations.
//
// Runtime implements [pipeline.Runtime].
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	snapshotter string             // Snapshotter for container filesystems.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. An
// empty snapshotter selects [DefaultSnapshotter]. The runtime must be closed
// when no longer needed.
func New(address, namespace, snapshotter string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, wrapf(err, "connect to %s", address)
	}
	if snapshotter == "" {
		snapshotter = DefaultSnapshotter
	}
	return &Runtime{client: client, snapshotter: snapshotter}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Makes the base image available, unpacks it for the target platform, and
// starts a container.
//
// Registry references are pulled; OCI archives are imported and tagged with
// a deterministic name derived from the path. A long-running task (sleep
// infinity) is started so that later commands have a running process to
// attach to. Any existing container with the same ID is removed before the
// new one is created. Building for a platform other than the host requires
// QEMU / binfmt_misc support in the kernel.
func (rt *Runtime) Start(ctx context.Context, ref pipeline.ImageRef, id, platform string) (pipeline.Container, error) {
	name, err := rt.ensureImage(ctx, ref, platform)
	if err != nil {
		return nil, wrapf(err, "resolve %s", ref)
	}

	if err := rt.unpackImage(ctx, name, platform); err != nil {
		return nil, wrapf(err, "unpack %s", name)
	}

	if err := removeStale(ctx, rt.client, id); err != nil {
		return nil, wrapf(err, "remove stale container %s", id)
	}

	image, err := rt.resolveImage(ctx, name, platform)
	if err != nil {
		return nil, wrapf(err, "resolve %s", name)
	}

	c := &Container{
		id:          id,
		platform:    platform,
		snapshotter: rt.snapshotter,
	}
	if err := c.create(ctx, rt.client, image); err != nil {
		return nil, wrapf(err, "create container %s", id)
	}
	if err := c.start(ctx); err != nil {
		c.ctr.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup)
		return nil, wrapf(err, "start container %s", id)
	}

	slog.Debug("container started", "id", id, "image", name)

	return c, nil
}

// Ensures the image named by ref is present in the image store and returns
// the name of its record.
//
// Registry images already present are reused, since references are pinned
// by tag or digest. Archives are imported on every call so that a rebuilt
// archive at the same path replaces the earlier import.
func (rt *Runtime) ensureImage(ctx context.Context, ref pipeline.ImageRef, platform string) (string, error) {
	if ref.IsArchive() {
		tag := archiveImageName(ref.Archive)
		source, err := rt.importArchive(ctx, ref.Archive)
		if err != nil {
			return "", errors.Wrapf(err, "import %s", ref.Archive)
		}
		if err := rt.tagImage(ctx, source, tag); err != nil {
			return "", errors.Wrapf(err, "tag %s", ref.Archive)
		}
		return tag, nil
	}

	if _, err := rt.client.ImageService().Get(ctx, ref.Name); err == nil {
		return ref.Name, nil
	} else if !errdefs.IsNotFound(err) {
		return "", err
	}

	if err := rt.pullImage(ctx, ref.Name, platform); err != nil {
		return "", errors.Wrapf(err, "pull %s", ref.Name)
	}
	return ref.Name, nil
}

// Fetches an image for a single platform from its registry.
func (rt *Runtime) pullImage(ctx context.Context, name, platform string) error {
	p, err := platforms.Parse(platform)
	if err != nil {
		return err
	}

	slog.Info("pulling image", "image", name, "platform", platform)

	_, err = rt.client.Pull(ctx, name,
		containerd.WithPlatformMatcher(platforms.Only(p)),
		containerd.WithPullSnapshotter(rt.snapshotter),
	)
	return err
}

// Imports the base image archive at path and returns its image record.
//
// The archive must hold a single image, which may be a multi-platform
// index.
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	// One record per image in index.json; platforms are chosen later.
	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Renames an imported image to tag, dropping the record created by the
// import.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	if err := rt.putImage(ctx, tag, source.Target); err != nil {
		return err
	}
	if source.Name != tag {
		_ = rt.client.ImageService().Delete(ctx, source.Name)
	}
	return nil
}

// Creates or updates the image record name to point at target.
func (rt *Runtime) putImage(ctx context.Context, name string, target ocispec.Descriptor) error {
	is := rt.client.ImageService()
	img := images.Image{Name: name, Target: target}
	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}
	return nil
}

// Unpacks the layers of image name for platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, name, platform string) error {
	image, err := rt.resolveImage(ctx, name, platform)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, rt.snapshotter)
}

// Returns image name restricted to platform.
func (rt *Runtime) resolveImage(ctx context.Context, name, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, name)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Returns the image name a base image archive is imported under.
//
// The name is derived from the cleaned path, so the same archive maps to
// the same record across runs and any path yields a valid tag.
func archiveImageName(path string) string {
	h := sha256.Sum256([]byte(filepath.Clean(path)))
	return fmt.Sprintf("%s/archive:%s", archiveRepository, hex.EncodeToString(h[:]))
}

var (
	_ pipeline.Runtime   = (*Runtime)(nil)
	_ pipeline.Container = (*Container)(nil)
)
