package runtime

import (
	"context"
	"log/slog"
	"sync/atomic"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// A running stage container backed by containerd.
//
// The container runs "sleep infinity" as its main process; every stage
// command is attached to that task as an exec process. Container implements
// [pipeline.Container].
type Container struct {
	id          string               // Deterministic ID, "<pipeline>-<stage>".
	platform    string               // OCI platform (e.g., "linux/amd64").
	snapshotter string               // Snapshotter holding the container filesystem.
	ctr         containerd.Container // Set by create.
	task        containerd.Task      // Long-running task, set by start.
	process     specs.Process        // Process template from the image config.
	execs       atomic.Uint64        // Exec processes started so far.
}

// Returns the containerd container ID.
func (c *Container) ID() string {
	return c.id
}

// Kills the task and removes the container together with its snapshot.
//
// Failures are logged; the handle is unusable afterwards either way.
func (c *Container) Destroy(ctx context.Context) {
	if c.ctr == nil {
		return
	}
	if err := discard(ctx, c.ctr); err != nil {
		slog.Warn("failed to destroy container", "id", c.id, "error", err)
		return
	}
	slog.Debug("container destroyed", "id", c.id)
}

// Creates the containerd container from image, running "sleep infinity" on
// the host network.
func (c *Container) create(ctx context.Context, client *containerd.Client, image containerd.Image) error {
	ctr, err := client.NewContainer(ctx, c.id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(c.snapshotter),
		containerd.WithNewSnapshot(c.id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(
			oci.WithDefaultSpecForPlatform(c.platform),
			oci.WithImageConfig(image),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithProcessArgs("sleep", "infinity"),
		),
	)
	if err != nil {
		return err
	}
	c.ctr = ctr
	return nil
}

// Starts the long-running task and records the process template that exec
// processes are derived from.
func (c *Container) start(ctx context.Context) error {
	spec, err := c.ctr.Spec(ctx)
	if err != nil {
		return err
	}
	if spec.Process != nil {
		c.process = *spec.Process
	}

	task, err := c.ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx, containerd.WithProcessKill)
		return err
	}
	c.task = task
	return nil
}

// Removes a container left behind by an earlier run under id. A missing
// container is not an error.
func removeStale(ctx context.Context, client *containerd.Client, id string) error {
	ctr, err := client.LoadContainer(ctx, id)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("replacing stale container", "id", id)
	return discard(ctx, ctr)
}

// Kills the task of ctr, if any, and deletes ctr with its snapshot.
func discard(ctx context.Context, ctr containerd.Container) error {
	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}
	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}
