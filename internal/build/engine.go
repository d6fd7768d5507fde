package build

import (
	"context"
	"fmt"
	"io"

	"github.com/cruciblehq/pyslim/internal/recipe"
	"github.com/cruciblehq/pyslim/internal/runtime"
)

// Container operations the pipeline needs.
type Engine interface {

	// Makes a base image available for platform and returns the reference
	// to start containers from.
	Prepare(ctx context.Context, src recipe.Source, platform string) (string, error)

	// Starts a long-running container from a prepared image.
	Start(ctx context.Context, image, id, platform string) (Container, error)
}

// A running stage container.
type Container interface {
	ID() string
	Exec(ctx context.Context, shell, command string, env []string, workdir string) (*runtime.ExecResult, error)
	MkdirAll(ctx context.Context, dir string) error
	Exists(ctx context.Context, p string) (bool, error)
	CopyTo(ctx context.Context, r io.Reader, destDir string) error
	CopyFrom(ctx context.Context, w io.Writer, p string) error
	Stop(ctx context.Context) error
	Export(ctx context.Context, output string, cfg runtime.ImageConfig) (string, error)
	Destroy(ctx context.Context)
}

// Adapts a containerd runtime to [Engine].
type runtimeEngine struct {
	rt *runtime.Runtime
}

// Returns an [Engine] backed by rt.
func NewEngine(rt *runtime.Runtime) Engine {
	return &runtimeEngine{rt: rt}
}

// Pulls registry images and imports archives.
func (e *runtimeEngine) Prepare(ctx context.Context, src recipe.Source, platform string) (string, error) {
	switch src.Kind {
	case recipe.SourceRegistry:
		return e.rt.Pull(ctx, src.Value, platform)
	case recipe.SourceArchive:
		return e.rt.Import(ctx, src.Value, platform)
	default:
		return "", fmt.Errorf("%w: %s", recipe.ErrInvalidSource, src)
	}
}

func (e *runtimeEngine) Start(ctx context.Context, image, id, platform string) (Container, error) {
	ctr, err := e.rt.Start(ctx, image, id, platform)
	if err != nil {
		return nil, err
	}
	return ctr, nil
}
