package runtime

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, dir string) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", dir)
}

// Reports whether a path exists inside the container.
//
// Runs "test -e". Exit status 1 means the path is absent; any other
// non-zero status is an error.
func (c *Container) Exists(ctx context.Context, p string) (bool, error) {
	exitCode, stderr, err := c.execCommand(ctx, nil, nil, nil, "", "test", "-e", p)
	if err != nil {
		return false, err
	}
	switch exitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("%w: test -e %s failed with exit code %d (%s)", ErrRuntime, p, exitCode, stderr)
	}
}

// Extracts a tar stream into destDir inside the container.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "-C", destDir)
}

// Writes the file or directory at p inside the container to w as a tar
// stream. Entries are rooted at the base name of p.
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	return c.mustExec(ctx, "tar archive", nil, w, "tar", "cf", "-", "-C", path.Dir(p), path.Base(p))
}

// Runs a command and turns a non-zero exit code into an error naming desc.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, stdout, nil, "", args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: %s failed with exit code %d (%s)", ErrRuntime, desc, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}
