package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cruciblehq/pyslim/internal/build"
	"github.com/cruciblehq/pyslim/internal/paths"
	"github.com/cruciblehq/pyslim/internal/recipe"
	"github.com/distribution/reference"
	"github.com/pelletier/go-toml/v2"
)

// Name of the definition file looked up at the project root.
const DefaultFile = "pyslim.toml"

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// Build definition of a Python application.
type Definition struct {
	Name         string            `toml:"name"`          // Resource name, prefix for container IDs. Defaults to the root directory name.
	Image        string            `toml:"image"`         // Reference annotated on the exported image. Defaults to "<name>:latest".
	Base         string            `toml:"base"`          // Base image for both stages.
	Manifest     string            `toml:"manifest"`      // Requirements file.
	Source       string            `toml:"source"`        // Application source directory.
	Entry        string            `toml:"entry"`         // Entry file inside Source.
	Workdir      string            `toml:"workdir"`       // Working directory of the runtime image.
	ArtifactPath string            `toml:"artifact_path"` // Prefix the dependencies are installed into.
	Python       string            `toml:"python"`        // Interpreter command.
	Output       string            `toml:"output"`        // Export directory. Defaults to the XDG data dir.
	Platforms    []string          `toml:"platforms"`     // Target platforms. Defaults to the host.
	Env          map[string]string `toml:"env"`           // Extra runtime environment.
	Labels       map[string]string `toml:"labels"`        // Extra image labels.

	root string
}

// Loads the definition for the project at root.
//
// When file is empty, [DefaultFile] is used if present and defaults apply
// otherwise. A file named explicitly must exist. Relative file paths are
// resolved against root. Unknown keys are rejected.
func Load(root, file string) (*Definition, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	explicit := file != ""
	if !explicit {
		file = DefaultFile
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(root, file)
	}

	d := &Definition{}

	f, err := os.Open(file)
	switch {
	case err == nil:
		defer f.Close()
		dec := toml.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(d); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDefinition, file, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, err
	}

	d.root = root
	d.applyDefaults()

	if err := d.validate(); err != nil {
		return nil, err
	}

	return d, nil
}

// Returns the project root.
func (d *Definition) Root() string {
	return d.root
}

// Fills unset fields.
func (d *Definition) applyDefaults() {
	if d.Name == "" {
		d.Name = sanitizeName(filepath.Base(d.root))
	}
	if d.Image == "" {
		d.Image = d.Name + ":latest"
	}
	if d.Output == "" {
		d.Output = paths.Images(d.Name)
	} else if !filepath.IsAbs(d.Output) {
		d.Output = filepath.Join(d.root, d.Output)
	}
}

// Checks fields that are not covered by recipe validation.
func (d *Definition) validate() error {
	if d.Name != sanitizeName(d.Name) || d.Name == "" {
		return fmt.Errorf("%w: name %q must be lowercase letters, digits, '.', '_' or '-'", ErrDefinition, d.Name)
	}
	if _, err := reference.ParseNormalizedNamed(d.Image); err != nil {
		return fmt.Errorf("%w: image %q: %w", ErrDefinition, d.Image, err)
	}
	return nil
}

// Returns the recipe inputs described by the definition.
func (d *Definition) App() recipe.PythonApp {
	return recipe.PythonApp{
		Name:         d.Image,
		Base:         d.Base,
		Manifest:     d.Manifest,
		Source:       d.Source,
		Entry:        d.Entry,
		Workdir:      d.Workdir,
		ArtifactPath: d.ArtifactPath,
		Python:       d.Python,
		Env:          d.Env,
		Labels:       d.Labels,
	}
}

// Generates and validates the build recipe.
func (d *Definition) Recipe() (*recipe.Recipe, error) {
	rec, err := d.App().Recipe()
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Returns the options that build the project.
//
// The manifest and the entry file are checked by the build before any
// stage starts.
func (d *Definition) BuildOptions() (build.Options, error) {
	rec, err := d.Recipe()
	if err != nil {
		return build.Options{}, err
	}
	return build.Options{
		Recipe:    rec,
		Resource:  d.Name,
		Output:    d.Output,
		Root:      d.root,
		Platforms: d.Platforms,
		Manifest:  d.ManifestPath(),
		Required:  []string{d.EntryPath()},
	}, nil
}

// Returns the manifest path relative to the root.
func (d *Definition) ManifestPath() string {
	return or(d.Manifest, recipe.DefaultManifest)
}

// Returns the entry file path relative to the root.
func (d *Definition) EntryPath() string {
	return filepath.Join(or(d.Source, recipe.DefaultSource), or(d.Entry, recipe.DefaultEntry))
}

// Lowercases a directory name and replaces characters that are not valid in
// container IDs.
func sanitizeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-.")
}

// Returns s, or def when s is empty.
func or(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
