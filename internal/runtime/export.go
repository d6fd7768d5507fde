package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/platforms"
	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Filename of the archive written by Export.
const ExportFilename = "image.tar"

// Configuration applied to the exported image. Empty fields keep the base
// image's values, except that a non-empty Entrypoint clears Cmd.
type ImageConfig struct {
	Name       string            // Reference annotated on the archive. Defaults to the base image name.
	WorkingDir string            // Process working directory.
	Entrypoint []string          // Process entry point.
	Cmd        []string          // Default arguments.
	Env        map[string]string // Values may reference base variables as $NAME or ${NAME}.
	Labels     map[string]string // Merged over the base labels.
}

// Commits the container's changes and writes the image to output/image.tar.
//
// The diff between the container's snapshot and its parent becomes one new
// layer on top of the base image's layers, and cfg is applied to the image
// config. The stored base image record is never modified: the mutated
// manifest, config and index are written as ephemeral blobs, protected by a
// lease until the archive is written. The archive is written to a temporary
// file and renamed into place, so a failed export leaves no partial image.
// The container should be stopped first.
func (c *Container) Export(ctx context.Context, output string, cfg ImageConfig) (string, error) {
	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	layer, diffID, err := c.snapshotDiff(ctx, info)
	if err != nil {
		return "", fmt.Errorf("%w: diff: %w", ErrRuntime, err)
	}

	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer done(context.Background())

	target, err := c.buildExportTarget(ctx, info.Image, func(manifest *ocispec.Manifest, config *ocispec.Image) {
		manifest.Layers = append(manifest.Layers, layer)
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)
		config.History = append(config.History, ocispec.History{CreatedBy: "pyslim: runtime stage"})
		applyConfig(&config.Config, cfg)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	name := cfg.Name
	if name == "" {
		name = info.Image
	}

	exportPath := filepath.Join(output, ExportFilename)
	if err := c.exportImage(ctx, target, name, exportPath); err != nil {
		return "", fmt.Errorf("%w: export: %w", ErrRuntime, err)
	}

	attrs := []any{"path", exportPath, "image", name, "digest", target.Digest}
	if st, err := os.Stat(exportPath); err == nil {
		attrs = append(attrs, "size", units.HumanSize(float64(st.Size())))
	}
	slog.Info("image exported", attrs...)

	return exportPath, nil
}

// Applies cfg to an image config.
func applyConfig(config *ocispec.ImageConfig, cfg ImageConfig) {
	if cfg.WorkingDir != "" {
		config.WorkingDir = cfg.WorkingDir
	}
	if len(cfg.Entrypoint) > 0 {
		config.Entrypoint = cfg.Entrypoint
		config.Cmd = nil
	}
	if len(cfg.Cmd) > 0 {
		config.Cmd = cfg.Cmd
	}
	if len(cfg.Env) > 0 {
		config.Env = expandEnv(config.Env, cfg.Env)
	}
	if len(cfg.Labels) > 0 {
		if config.Labels == nil {
			config.Labels = make(map[string]string, len(cfg.Labels))
		}
		maps.Copy(config.Labels, cfg.Labels)
	}
}

// Merges overrides into a base environment.
//
// Override values are expanded against the base environment, so
// "PATH=/opt/bin:$PATH" prepends to the base PATH. Unknown references expand
// to the empty string. Overrides are applied in key order, so the result is
// the same for equal inputs.
func expandEnv(base []string, overrides map[string]string) []string {
	lookup := make(map[string]string, len(base))
	for _, entry := range base {
		if k, v, ok := strings.Cut(entry, "="); ok {
			lookup[k] = v
		}
	}

	entries := make([]string, 0, len(overrides))
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		v := os.Expand(overrides[k], func(name string) string { return lookup[name] })
		entries = append(entries, k+"="+v)
	}

	return mergeEnv(base, entries)
}

// Computes the diff between the container's snapshot and its parent.
func (c *Container) snapshotDiff(ctx context.Context, info containers.Container) (ocispec.Descriptor, digest.Digest, error) {
	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
	)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, c.client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Writes target to an OCI archive at path via a temporary file in the same
// directory. Only the container's platform is included.
func (c *Container) exportImage(ctx context.Context, target ocispec.Descriptor, imageName, path string) error {
	p, err := platforms.Parse(c.platform)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+ExportFilename+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	err = c.client.Export(ctx, tmp,
		archive.WithManifest(target, imageName),
		archive.WithPlatform(platforms.Only(p)),
	)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// Builds the export target by applying mutate to the image's manifest and
// config for the container's platform. An index root is replaced by a
// single-entry index, since only this platform's layers are in the store.
func (c *Container) buildExportTarget(ctx context.Context, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	img, err := c.client.ImageService().Get(ctx, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	target, index, err := c.resolveManifestDescriptor(ctx, img.Target, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifestDesc, err := c.mutateManifest(ctx, target, imageName, mutate)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if index == nil {
		return manifestDesc, nil
	}

	index.Manifests = []ocispec.Descriptor{manifestDesc}
	return c.writeBlob(ctx, img.Target.MediaType, index, imageName+"-index", content.WithLabels(indexGCLabels(*index)))
}

// Resolves the image root to the manifest for the container's platform.
//
// Returns the index as well when the root is one. Index entries without
// platform metadata, as some registries serve them, are matched by reading
// the platform from their image config.
func (c *Container) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, *ocispec.Index, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, nil
	}

	var idx ocispec.Index
	if err := c.readJSON(ctx, root, &idx); err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	if i, ok := c.matchManifest(ctx, idx, platforms.OnlyStrict(p)); ok {
		return idx.Manifests[i], &idx, nil
	}

	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%w: %s", ErrEmptyIndex, imageName)
	}
	return idx.Manifests[0], &idx, nil
}

// Finds the index entry for a platform, preferring explicit platform fields
// and falling back to the platform declared in each entry's config.
func (c *Container) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := c.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Reads the platform declared in a manifest's image config.
func (c *Container) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	var manifest ocispec.Manifest
	if err := c.readJSON(ctx, desc, &manifest); err != nil {
		return ocispec.Platform{}, false
	}
	var config ocispec.Image
	if err := c.readJSON(ctx, manifest.Config, &config); err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// Applies mutate to a manifest and its config and stores both.
func (c *Container) mutateManifest(ctx context.Context, target ocispec.Descriptor, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	var manifest ocispec.Manifest
	if err := c.readJSON(ctx, target, &manifest); err != nil {
		return ocispec.Descriptor{}, err
	}

	var config ocispec.Image
	if err := c.readJSON(ctx, manifest.Config, &config); err != nil {
		return ocispec.Descriptor{}, err
	}

	mutate(&manifest, &config)

	configDesc, err := c.writeBlob(ctx, manifest.Config.MediaType, config, imageName+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Config = configDesc

	return c.writeBlob(ctx, target.MediaType, manifest, imageName+"-manifest", content.WithLabels(manifestGCLabels(manifest)))
}

// Reads a JSON blob from the content store into v.
func (c *Container) readJSON(ctx context.Context, desc ocispec.Descriptor, v any) error {
	b, err := content.ReadBlob(ctx, c.client.ContentStore(), desc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Stores v as a JSON blob and returns its descriptor.
func (c *Container) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, c.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// GC reference labels linking a manifest blob to its config and layers.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)] = layer.Digest.String()
	}
	return labels
}

// GC reference labels linking an index blob to its manifests.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)] = m.Digest.String()
	}
	return labels
}
