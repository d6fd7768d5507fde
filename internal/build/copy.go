package build

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/pyslim/internal/recipe"
	"golang.org/x/sync/errgroup"
)

// Copies an import into a sealed stage's container.
//
// Host imports are read from root. Stage imports are read from the named
// earlier stage, which must still be running. A source that does not exist
// fails with [ErrMissingSource] or [ErrMissingArtifact] respectively.
func importPath(ctx context.Context, ctr Container, imp recipe.Import, root string, stages map[string]Container) error {
	slog.Debug("import", "stage", ctr.ID(), "import", imp.String())

	if err := ctr.MkdirAll(ctx, path.Dir(imp.Dest)); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	if imp.FromHost() {
		return copyFromHost(ctx, ctr, hostPath(root, imp.Src), imp.Dest)
	}
	return copyFromStage(ctx, ctr, stages, imp.Stage, imp.Src, imp.Dest)
}

// Executes a copy step.
//
// The copy string has the format "src dest" for host copies, or "stage:src
// dest" for cross-stage copies. Host sources are resolved relative to root.
// A relative dest is resolved against workdir.
func executeCopy(ctx context.Context, ctr Container, copyStr, workdir, root string, stages map[string]Container) error {
	src, dest, err := parseCopy(copyStr, workdir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	if err := ctr.MkdirAll(ctx, path.Dir(dest)); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	if stage, p, ok := parseStageCopy(src); ok {
		return copyFromStage(ctx, ctr, stages, stage, p, dest)
	}
	return copyFromHost(ctx, ctr, hostPath(root, src), dest)
}

// Resolves a host path against the build root.
func hostPath(root, src string) string {
	if filepath.IsAbs(src) {
		return src
	}
	return filepath.Join(root, filepath.FromSlash(src))
}

// Streams a host file or directory into the container at dest.
func copyFromHost(ctx context.Context, ctr Container, src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingSource, src)
		}
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	slog.Debug("copy", "src", src, "dest", dest, "dir", info.IsDir())

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tw := tar.NewWriter(pw)
		var err error
		if info.IsDir() {
			err = writeDirToTar(tw, src, path.Base(dest))
		} else {
			err = writeFileToTar(tw, src, path.Base(dest))
		}
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		return extract(gctx, ctr, pr, path.Dir(dest))
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCopy, src, err)
	}
	return nil
}

// Streams a path from a stage container into ctr at dest.
//
// The tar stream from the source container is rooted at the source's base
// name. When the destination's base name differs, entries are renamed on
// the way through.
func copyFromStage(ctx context.Context, ctr Container, stages map[string]Container, stage, src, dest string) error {
	srcCtr, ok := stages[stage]
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrCopy, stage)
	}

	exists, err := srcCtr.Exists(ctx, src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s not found in stage %q", ErrMissingArtifact, src, stage)
	}

	slog.Debug("cross-stage copy", "stage", stage, "src", src, "dest", dest)

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srcCtr.CopyFrom(gctx, pw, src)
		pw.CloseWithError(err)
		return err
	})

	var r io.Reader = pr
	if from, to := path.Base(src), path.Base(dest); from != to {
		rr, rw := io.Pipe()
		g.Go(func() error {
			err := renameTar(pr, rw, from, to)
			pr.CloseWithError(err)
			rw.CloseWithError(err)
			return err
		})
		r = rr
	}

	g.Go(func() error {
		return extract(gctx, ctr, r, path.Dir(dest))
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %s:%s: %w", ErrCopy, stage, src, err)
	}
	return nil
}

// Extracts a tar stream into dir. The rest of the stream is drained on
// success and the reader is closed on failure, so the producer never blocks.
func extract(ctx context.Context, ctr Container, r io.Reader, dir string) error {
	err := ctr.CopyTo(ctx, r, dir)
	if err == nil {
		_, err = io.Copy(io.Discard, r)
	}
	if pr, ok := r.(*io.PipeReader); ok {
		pr.CloseWithError(err)
	}
	return err
}

// Copies a tar stream, replacing the leading path component from with to.
// Hard link targets are renamed as well.
func renameTar(r io.Reader, w io.Writer, from, to string) error {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		hdr.Name = renameEntry(hdr.Name, from, to)
		if hdr.Typeflag == tar.TypeLink {
			hdr.Linkname = renameEntry(hdr.Linkname, from, to)
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

// Replaces the leading component of an archive name.
func renameEntry(name, from, to string) string {
	if name == from || strings.HasPrefix(name, from+"/") {
		return to + strings.TrimPrefix(name, from)
	}
	return name
}

// Parses a cross-stage copy source of the form "stage:path".
//
// Returns false for regular host paths.
func parseStageCopy(src string) (stage, p string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 {
		return "", "", false
	}

	// A colon after a path separator is not a stage prefix (e.g. "/foo:bar").
	if strings.ContainsRune(src[:i], '/') {
		return "", "", false
	}

	return src[:i], src[i+1:], true
}

// Parses a copy string into source and destination paths.
//
// The string must contain exactly two whitespace-separated tokens. If dest
// is not absolute, it is joined with workdir.
func parseCopy(s, workdir string) (src, dest string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected source and destination, got %q", s)
	}

	src = parts[0]
	dest = parts[1]

	if !path.IsAbs(dest) {
		if workdir == "" {
			return "", "", fmt.Errorf("relative dest %q requires workdir", dest)
		}
		dest = path.Join(workdir, dest)
	}

	return src, path.Clean(dest), nil
}

// Writes a single file to a tar writer with the given archive name.
func writeFileToTar(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	return writeTarEntry(tw, hostPath, name, info)
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string) error {
	return filepath.WalkDir(hostDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		return writeTarEntry(tw, p, path.Join(prefix, filepath.ToSlash(rel)), info)
	})
}

// Writes a single file, directory or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(hostPath)
		if err != nil {
			return err
		}
		link = target
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}
