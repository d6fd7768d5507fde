package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs gives
	// overlay semantics without mount(2), so the builder can run unprivileged.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for build containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Containerd client scoped to a namespace.
type Runtime struct {
	client *containerd.Client
}

// Connects to the containerd socket at address.
//
// All images and containers are created in namespace. The runtime must be
// closed when no longer needed.
func New(address, namespace string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return &Runtime{client: client}, nil
}

// Closes the containerd connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Pulls a registry image and unpacks it for platform.
//
// Only the content for platform is fetched. Content already present in the
// store is not downloaded again. Returns the tag to pass to [Runtime.Start],
// which is the reference itself.
func (rt *Runtime) Pull(ctx context.Context, ref, platform string) (string, error) {
	slog.Info("pulling base image", "ref", ref, "platform", platform)

	img, err := rt.client.Pull(ctx, ref,
		containerd.WithPlatform(platform),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(snapshotter),
	)
	if err != nil {
		return "", fmt.Errorf("%w: pull %s: %w", ErrRuntime, ref, err)
	}

	slog.Debug("base image ready", "ref", img.Name(), "digest", img.Target().Digest)
	return img.Name(), nil
}

// Imports an OCI archive and unpacks it for platform.
//
// The imported image is tagged with a name derived from the archive path, so
// importing the same archive twice replaces the previous record. Returns the
// tag to pass to [Runtime.Start].
func (rt *Runtime) Import(ctx context.Context, path, platform string) (string, error) {
	tag := imageTag(path)

	source, err := rt.importArchive(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: import %s: %w", ErrRuntime, path, err)
	}

	if err := rt.tagImage(ctx, source, tag); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := image.Unpack(ctx, snapshotter); err != nil {
		return "", fmt.Errorf("%w: unpack %s: %w", ErrRuntime, path, err)
	}

	slog.Debug("archive imported", "path", path, "tag", tag)
	return tag, nil
}

// Creates and starts a container from a prepared image.
//
// Any container left over with the same ID is removed first. The container
// runs "sleep infinity" so that later Exec calls have a task to attach to.
// Running an image for a platform other than the host requires binfmt_misc
// emulation.
func (rt *Runtime) Start(ctx context.Context, tag, id, platform string) (*Container, error) {
	c := &Container{
		client:   rt.client,
		id:       id,
		platform: platform,
	}

	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrRuntime, id, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("%w: start %s: %w", ErrRuntime, id, err)
	}

	slog.Debug("container started", "id", id, "image", tag, "platform", platform)
	return c, nil
}

// Imports an OCI archive into the content store.
//
// The archive must hold a single image record. A multi-platform image is one
// record pointing at an index; the platform is selected later.
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

	switch len(imported) {
	case 0:
		return images.Image{}, ErrEmptyArchive
	case 1:
		return imported[0], nil
	default:
		return images.Image{}, ErrMultipleImages
	}
}

// Points tag at the imported image's target, creating or updating the
// record. The record created by the import is removed when its name differs.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Looks up a tagged image restricted to a single platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Derives an image tag from an archive path. Hashing keeps the tag a valid
// reference whatever characters the path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}
