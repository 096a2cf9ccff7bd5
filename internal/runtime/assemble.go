package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/fc7/stagebuild/internal/pipeline"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Label recording the uncompressed digest of a layer blob.
const uncompressedLabel = "containerd.io/uncompressed"

// A layer appended to the base image.
type layerEntry struct {
	desc      ocispec.Descriptor
	diffID    digest.Digest
	createdBy string
}

// Assembles the final image and exports it as an OCI archive.
//
// The image is the assembler base for the target platform, plus the diff of
// the provisioned assembler container when there is one, plus the artifact
// layer. The stored base image record is never modified: the mutated
// manifest, config and index are written to the content store as new blobs
// under a content lease. The archive is written next to its final path and
// renamed into place once complete. When a tag is requested the result is
// also recorded in the image store under that name.
func (rt *Runtime) Assemble(ctx context.Context, spec pipeline.ImageSpec) (*pipeline.Image, error) {
	a := &assembler{rt: rt, platform: spec.Platform}

	// Acquire a content lease so the blobs written below survive until the
	// archive export and tagging finish. Without a lease, containerd's GC
	// scheduler may collect them in between.
	ctx, done, err := rt.client.WithLease(ctx)
	if err != nil {
		return nil, wrapf(err, "acquire lease")
	}
	defer done(context.Background())

	base, stage, err := a.base(ctx, spec)
	if err != nil {
		return nil, err
	}

	tag, err := tagName(spec.Tag, base)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, base)
	if err != nil {
		return nil, wrapf(err, "load %s", base)
	}

	target, index, err := a.resolveManifestDescriptor(ctx, img.Target, base)
	if err != nil {
		return nil, wrapf(err, "resolve manifest of %s", base)
	}

	layers, err := a.layers(ctx, stage, spec.Layer, layerMediaType(target.MediaType), spec.Config.CreatedBy)
	if err != nil {
		return nil, err
	}

	manifest, err := a.mutateManifest(ctx, target, base, configure(layers, spec.Config))
	if err != nil {
		return nil, wrapf(err, "write manifest")
	}

	root, err := a.buildImageTarget(ctx, img.Target, index, manifest, base)
	if err != nil {
		return nil, wrapf(err, "write index")
	}

	exportPath := filepath.Join(spec.Output, pipeline.ImageFilename)
	size, err := a.exportImage(ctx, root, exportPath, tag)
	if err != nil {
		return nil, wrapf(err, "export %s", exportPath)
	}

	if tag != "" {
		if err := rt.putImage(ctx, tag, root); err != nil {
			return nil, wrapf(err, "tag %s", tag)
		}
	}

	slog.Info("image exported", "path", exportPath, "digest", root.Digest, "base", base)

	return &pipeline.Image{
		Path:   exportPath,
		Digest: root.Digest,
		Tag:    tag,
		Size:   size,
	}, nil
}

// Normalizes the requested tag. The tag must not name the base image, whose
// record is never modified.
func tagName(tag, base string) (string, error) {
	if tag == "" {
		return "", nil
	}
	named, err := reference.ParseNormalizedNamed(tag)
	if err != nil {
		return "", wrapf(err, "parse tag %q", tag)
	}
	name := reference.TagNameOnly(named).String()
	if name == base {
		return "", errors.Wrap(ErrTagConflict, name)
	}
	return name, nil
}

// Selects the layer media type matching the base manifest's format.
func layerMediaType(manifestType string) string {
	if manifestType == images.MediaTypeDockerSchema2Manifest {
		return images.MediaTypeDockerSchema2LayerGzip
	}
	return ocispec.MediaTypeImageLayerGzip
}

// Returns the config mutation that appends layers and applies cfg.
//
// History entries are only added when the base image records history, so
// that the non-empty history entries keep matching the layers.
func configure(layers []layerEntry, cfg pipeline.ImageConfig) func(*ocispec.Manifest, *ocispec.Image) {
	return func(manifest *ocispec.Manifest, config *ocispec.Image) {
		recordHistory := len(config.History) > 0
		for _, l := range layers {
			manifest.Layers = append(manifest.Layers, l.desc)
			config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, l.diffID)
			if recordHistory {
				config.History = append(config.History, ocispec.History{CreatedBy: l.createdBy})
			}
		}

		if cfg.WorkingDir != "" {
			config.Config.WorkingDir = cfg.WorkingDir
		}
		if len(cfg.Entrypoint) > 0 {
			config.Config.Entrypoint = cfg.Entrypoint
			config.Config.Cmd = nil
		}
		if len(cfg.Labels) > 0 && config.Config.Labels == nil {
			config.Config.Labels = make(map[string]string, len(cfg.Labels))
		}
		for k, v := range cfg.Labels {
			config.Config.Labels[k] = v
		}
	}
}

// Builds new image content for one platform.
type assembler struct {
	rt       *Runtime
	platform string
}

// Returns the name of the base image record and, when the assembler stage
// was provisioned, the info of its container.
func (a *assembler) base(ctx context.Context, spec pipeline.ImageSpec) (string, *containers.Container, error) {
	if spec.Stage == nil {
		name, err := a.rt.ensureImage(ctx, spec.Base, a.platform)
		if err != nil {
			return "", nil, wrapf(err, "resolve %s", spec.Base)
		}
		return name, nil, nil
	}

	c, ok := spec.Stage.(*Container)
	if !ok || c.ctr == nil {
		return "", nil, wrapf(errors.Errorf("unsupported container %T", spec.Stage), "assemble")
	}

	info, err := c.ctr.Info(ctx)
	if err != nil {
		return "", nil, wrapf(err, "inspect container %s", c.id)
	}
	return info.Image, &info, nil
}

// Produces the layers appended to the base image.
//
// The assembler container diff and the artifact layer are independent and
// are computed concurrently. The artifact layer always comes last.
func (a *assembler) layers(ctx context.Context, stage *containers.Container, layerPath, mediaType, createdBy string) ([]layerEntry, error) {
	var stageLayer, artifactLayer layerEntry

	g, gctx := errgroup.WithContext(ctx)
	if stage != nil {
		g.Go(func() error {
			desc, diffID, err := a.snapshotDiff(gctx, *stage)
			if err != nil {
				return wrapf(err, "diff container %s", stage.ID)
			}
			stageLayer = layerEntry{desc: desc, diffID: diffID, createdBy: "stagebuild: provision assembler"}
			return nil
		})
	}
	g.Go(func() error {
		desc, diffID, err := a.writeLayer(gctx, layerPath, mediaType)
		if err != nil {
			return wrapf(err, "write artifact layer")
		}
		artifactLayer = layerEntry{desc: desc, diffID: diffID, createdBy: createdBy}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if stage != nil {
		return []layerEntry{stageLayer, artifactLayer}, nil
	}
	return []layerEntry{artifactLayer}, nil
}

// Captures what provisioning added to the assembler container as a
// compressed layer. Returns the layer descriptor and its uncompressed digest.
func (a *assembler) snapshotDiff(ctx context.Context, info containers.Container) (ocispec.Descriptor, digest.Digest, error) {
	client := a.rt.client
	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		client.SnapshotService(info.Snapshotter),
		client.DiffService(),
	)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Compresses an uncompressed layer tar and writes it to the content store.
//
// The blob is compressed into a file beside the layer first so that its
// digest and size are known before anything reaches the content store;
// the store never holds a partial artifact layer.
func (a *assembler) writeLayer(ctx context.Context, path, mediaType string) (ocispec.Descriptor, digest.Digest, error) {
	src, err := os.Open(path)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}
	defer src.Close()

	compressed, err := os.CreateTemp(filepath.Dir(path), "layer-*.tar.gz")
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}
	defer os.Remove(compressed.Name())
	defer compressed.Close()

	diffID := digest.Canonical.Digester()
	blobID := digest.Canonical.Digester()

	zw := gzip.NewWriter(io.MultiWriter(compressed, blobID.Hash()))
	if _, err := io.Copy(zw, io.TeeReader(src, diffID.Hash())); err != nil {
		return ocispec.Descriptor{}, "", err
	}
	if err := zw.Close(); err != nil {
		return ocispec.Descriptor{}, "", err
	}

	size, err := compressed.Seek(0, io.SeekCurrent)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}
	if _, err := compressed.Seek(0, io.SeekStart); err != nil {
		return ocispec.Descriptor{}, "", err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    blobID.Digest(),
		Size:      size,
	}
	labels := map[string]string{uncompressedLabel: diffID.Digest().String()}
	ref := "stagebuild-layer-" + desc.Digest.Encoded()
	if err := content.WriteBlob(ctx, a.rt.client.ContentStore(), ref, compressed, desc, content.WithLabels(labels)); err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return desc, diffID.Digest(), nil
}

// Writes the image to an OCI tar archive at the given path and returns the
// archive size.
//
// The target descriptor is exported directly via [archive.WithManifest]
// rather than looking up the image by name, so ephemeral content can be
// exported without an image record. The archive is written to a sibling
// file and renamed into place, so path either holds a complete archive or
// nothing. When the target is a multi-platform index, only the manifest
// matching the platform is included.
func (a *assembler) exportImage(ctx context.Context, target ocispec.Descriptor, path, name string) (int64, error) {
	p, err := platforms.Parse(a.platform)
	if err != nil {
		return 0, err
	}

	var names []string
	if name != "" {
		names = append(names, name)
	}

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp)

	err = a.rt.client.Export(ctx, f,
		archive.WithManifest(target, names...),
		archive.WithPlatform(platforms.Only(p)),
	)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Returns the assembler base manifest for the target platform, and the
// index it was selected from (nil when root is a manifest).
//
// Index entries without platform metadata are matched through their image
// config. An index with no entry for the target platform is an error.
func (a *assembler) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, *ocispec.Index, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, nil
	}

	idx, err := readJSON[ocispec.Index](ctx, a.rt.client.ContentStore(), root)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, errors.Wrap(ErrEmptyIndex, imageName)
	}

	p, err := platforms.Parse(a.platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	desc, ok := selectManifest(idx, platforms.OnlyStrict(p), func(m ocispec.Descriptor) (ocispec.Platform, bool) {
		return a.configPlatform(ctx, m)
	})
	if !ok {
		return ocispec.Descriptor{}, nil, errors.Wrapf(ErrPlatformMismatch, "%s has no manifest for %s", imageName, a.platform)
	}
	return desc, &idx, nil
}

// Returns the entry in idx matching matcher. Declared platforms take
// precedence over platforms read from image configs through lookup.
func selectManifest(idx ocispec.Index, matcher platforms.Matcher, lookup func(ocispec.Descriptor) (ocispec.Platform, bool)) (ocispec.Descriptor, bool) {
	for _, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return m, true
		}
	}
	for _, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := lookup(m); ok && matcher.Match(p) {
			return m, true
		}
	}
	return ocispec.Descriptor{}, false
}

// Returns the platform recorded in the image config behind desc.
func (a *assembler) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	cs := a.rt.client.ContentStore()
	manifest, err := readJSON[ocispec.Manifest](ctx, cs, desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	config, err := readJSON[ocispec.Image](ctx, cs, manifest.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// Writes a copy of the manifest at target, and of its config, with mutate
// applied. The base image's own blobs are left untouched.
func (a *assembler) mutateManifest(ctx context.Context, target ocispec.Descriptor, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	cs := a.rt.client.ContentStore()
	manifest, err := readJSON[ocispec.Manifest](ctx, cs, target)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	config, err := readJSON[ocispec.Image](ctx, cs, manifest.Config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	mutate(&manifest, &config)

	newConfigDesc, err := a.writeBlob(ctx, manifest.Config.MediaType, config, imageName+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Config = newConfigDesc

	return a.writeBlob(ctx, target.MediaType, manifest, imageName+"-manifest", content.WithLabels(manifestGCLabels(manifest)))
}

// Returns the root descriptor of the final image.
//
// A base resolved through an index yields a new index holding only the
// final manifest; the base's other platforms were never built.
func (a *assembler) buildImageTarget(ctx context.Context, root ocispec.Descriptor, index *ocispec.Index, newManifest ocispec.Descriptor, imageName string) (ocispec.Descriptor, error) {
	if index == nil {
		return newManifest, nil
	}

	index.Manifests = []ocispec.Descriptor{newManifest}
	return a.writeBlob(ctx, root.MediaType, index, imageName+"-index", content.WithLabels(indexGCLabels(*index)))
}

// Stores v as a JSON blob of the given media type.
func (a *assembler) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, a.rt.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Loads and decodes a JSON blob from the content store.
func readJSON[T any](ctx context.Context, p content.Provider, desc ocispec.Descriptor) (T, error) {
	var v T
	b, err := content.ReadBlob(ctx, p, desc)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Labels keeping a manifest's config and layers alive for as long as the
// manifest is referenced.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		key := fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)
		labels[key] = layer.Digest.String()
	}
	return labels
}

// Labels keeping an index's manifests alive.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		key := fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)
		labels[key] = m.Digest.String()
	}
	return labels
}
