package build

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cruciblehq/pyslim/internal/recipe"
	"github.com/cruciblehq/pyslim/internal/runtime"
)

// Decides the outcome of a run step and the paths it creates.
type runFunc func(command string) (exitCode int, stderr string, creates []string)

// In-memory engine. Containers track which paths exist and what was copied
// into them.
type fakeEngine struct {
	mu       sync.Mutex
	run      runFunc
	prepared []string
	started  []*fakeContainer
}

func (e *fakeEngine) Prepare(_ context.Context, src recipe.Source, platform string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prepared = append(e.prepared, src.Value+"@"+platform)
	return src.Value, nil
}

func (e *fakeEngine) Start(_ context.Context, image, id, platform string) (Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &fakeContainer{
		id:       id,
		image:    image,
		platform: platform,
		run:      e.run,
		paths:    make(map[string]bool),
	}
	e.started = append(e.started, c)
	return c, nil
}

// Returns the started container whose ID ends with suffix.
func (e *fakeEngine) container(suffix string) *fakeContainer {
	for _, c := range e.started {
		if strings.HasSuffix(c.id, suffix) {
			return c
		}
	}
	return nil
}

// A tar extraction observed by a fake container.
type extraction struct {
	dir   string
	names []string
}

type fakeContainer struct {
	mu        sync.Mutex
	id        string
	image     string
	platform  string
	run       runFunc
	paths     map[string]bool
	execs     []string
	extracts  []extraction
	stopped   bool
	destroyed bool
	exported  *runtime.ImageConfig
}

func (c *fakeContainer) ID() string { return c.id }

func (c *fakeContainer) Exec(_ context.Context, shell, command string, env []string, workdir string) (*runtime.ExecResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, command)

	if c.run == nil {
		return &runtime.ExecResult{}, nil
	}

	code, stderr, creates := c.run(command)
	if code == 0 {
		for _, p := range creates {
			c.paths[p] = true
		}
	}
	return &runtime.ExecResult{ExitCode: code, Stderr: stderr}, nil
}

func (c *fakeContainer) MkdirAll(_ context.Context, dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[dir] = true
	return nil
}

func (c *fakeContainer) Exists(_ context.Context, p string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[p], nil
}

func (c *fakeContainer) CopyTo(_ context.Context, r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	ex := extraction{dir: destDir}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		ex.names = append(ex.names, strings.TrimSuffix(hdr.Name, "/"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range ex.names {
		c.paths[path.Join(destDir, name)] = true
	}
	c.extracts = append(c.extracts, ex)
	return nil
}

// Writes a small tree rooted at the base name of p, shaped like a user
// site-packages install.
func (c *fakeContainer) CopyFrom(_ context.Context, w io.Writer, p string) error {
	base := path.Base(p)
	tw := tar.NewWriter(w)

	entries := []struct {
		name string
		body string
	}{
		{base + "/", ""},
		{base + "/lib/python3.12/site-packages/requests/__init__.py", "__version__ = '2.31.0'\n"},
		{base + "/lib/python3.12/site-packages/urllib3/__init__.py", ""},
		{base + "/bin/normalizer", "#!/usr/bin/env python\n"},
	}
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if strings.HasSuffix(e.name, "/") {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.WriteString(tw, e.body); err != nil {
			return err
		}
	}
	return tw.Close()
}

func (c *fakeContainer) Stop(context.Context) error {
	c.stopped = true
	return nil
}

func (c *fakeContainer) Export(_ context.Context, output string, cfg runtime.ImageConfig) (string, error) {
	c.exported = &cfg
	p := filepath.Join(output, runtime.ExportFilename)
	if err := os.WriteFile(p, []byte(c.id), 0644); err != nil {
		return "", err
	}
	return p, nil
}

func (c *fakeContainer) Destroy(context.Context) {
	c.destroyed = true
}

// Extracted names, across all extractions, joined with their directory.
func (c *fakeContainer) extracted() []string {
	var out []string
	for _, ex := range c.extracts {
		for _, name := range ex.names {
			out = append(out, path.Join(ex.dir, name))
		}
	}
	return out
}

// Simulates pip: a successful install creates the artifact, and any
// requirement listed in missing makes it fail.
func pip(artifact string, missing ...string) runFunc {
	return func(command string) (int, string, []string) {
		if !strings.Contains(command, "pip install") {
			return 0, "", nil
		}
		if len(missing) > 0 {
			return 1, "ERROR: No matching distribution found for " + missing[0], nil
		}
		return 0, "", []string{artifact}
	}
}
