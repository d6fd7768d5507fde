package recipe

import (
	"fmt"
	"maps"
	"path"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

const (

	// Base image used for both stages when none is configured.
	DefaultBase = "docker.io/library/python:3.12-slim"

	// User-scoped prefix the dependencies are installed into. pip's --user
	// scheme honours PYTHONUSERBASE, which is set to this path in both
	// stages so the interpreter finds the packages at runtime.
	DefaultArtifactPath = "/root/.local"

	// Working directory of the runtime image.
	DefaultWorkdir = "/app"

	// Interpreter used to install packages and run the application.
	DefaultPython = "python"

	// Manifest, source and entry file names used when none is configured.
	DefaultManifest = "requirements.txt"
	DefaultSource   = "src"
	DefaultEntry    = "main.py"

	// Stage names of the generated recipe.
	BuilderStage = "builder"
	RuntimeStage = "runtime"

	// Scratch directory of the builder stage.
	builderWorkdir = "/build"
)

// Inputs for the two-stage Python recipe. Zero fields take the defaults
// above.
type PythonApp struct {
	Name         string            // Reference annotated on the exported image.
	Base         string            // Base image shared by both stages.
	Manifest     string            // Requirements file, relative to the build context.
	Source       string            // Application source directory, relative to the build context.
	Entry        string            // Entry file, relative to Source.
	Workdir      string            // Working directory of the runtime image.
	ArtifactPath string            // Prefix the dependencies are installed into.
	Python       string            // Interpreter command.
	Env          map[string]string // Extra runtime environment.
	Labels       map[string]string // Extra image labels.
}

// Returns a copy with defaults applied.
func (a PythonApp) withDefaults() PythonApp {
	a.Base = or(a.Base, DefaultBase)
	a.Manifest = or(a.Manifest, DefaultManifest)
	a.Source = or(a.Source, DefaultSource)
	a.Entry = or(a.Entry, DefaultEntry)
	a.Workdir = or(a.Workdir, DefaultWorkdir)
	a.ArtifactPath = or(a.ArtifactPath, DefaultArtifactPath)
	a.Python = or(a.Python, DefaultPython)
	return a
}

// Builds the two-stage recipe.
//
// The builder stage copies the manifest into a scratch directory and runs
// "pip install --user" against it with the download cache disabled. The
// runtime stage is sealed: it starts from the same base image and receives
// exactly two imports, the installed prefix from the builder and the source
// tree from the host. The image runs the entry file with unbuffered output.
func (a PythonApp) Recipe() (*Recipe, error) {
	a = a.withDefaults()

	if err := a.validate(); err != nil {
		return nil, err
	}

	install, err := a.installCommand()
	if err != nil {
		return nil, err
	}

	manifestDest := path.Join(builderWorkdir, path.Base(filepath.ToSlash(a.Manifest)))

	builder := Stage{
		Name:      BuilderStage,
		From:      a.Base,
		Role:      RoleBuilder,
		Transient: true,
		Steps: []Step{
			{Workdir: builderWorkdir},
			{Env: map[string]string{
				"PYTHONUSERBASE":                a.ArtifactPath,
				"PIP_NO_CACHE_DIR":              "1",
				"PIP_DISABLE_PIP_VERSION_CHECK": "1",
				"PYTHONDONTWRITEBYTECODE":       "1",
			}},
			{Copy: filepath.ToSlash(a.Manifest) + " " + manifestDest},
			{Run: install},
		},
	}

	runtime := Stage{
		Name:   RuntimeStage,
		From:   a.Base,
		Role:   RoleRuntime,
		Sealed: true,
		Imports: []Import{
			{Stage: BuilderStage, Src: a.ArtifactPath, Dest: a.ArtifactPath},
			{Src: filepath.ToSlash(a.Source), Dest: a.Workdir},
		},
	}

	env := map[string]string{
		"PYTHONUNBUFFERED": "1",
		"PYTHONUSERBASE":   a.ArtifactPath,
		"PATH":             path.Join(a.ArtifactPath, "bin") + ":$PATH",
	}
	maps.Copy(env, a.Env)

	return &Recipe{
		Stages: []Stage{builder, runtime},
		Config: ImageConfig{
			Name:       a.Name,
			WorkingDir: a.Workdir,
			Entrypoint: []string{a.Python, "-u", path.Clean(filepath.ToSlash(a.Entry))},
			Env:        env,
			Labels:     a.Labels,
		},
	}, nil
}

// Checks the paths the recipe embeds. Copy steps are whitespace separated,
// so host paths may not contain whitespace.
func (a PythonApp) validate() error {
	for _, p := range []struct{ what, value string }{
		{"manifest", a.Manifest},
		{"source", a.Source},
		{"entry", a.Entry},
	} {
		if strings.ContainsAny(p.value, " \t\n") {
			return fmt.Errorf("%w: %s path %q contains whitespace", ErrInvalidRecipe, p.what, p.value)
		}
	}

	for _, p := range []struct{ what, value string }{
		{"workdir", a.Workdir},
		{"artifact path", a.ArtifactPath},
	} {
		if !path.IsAbs(p.value) {
			return fmt.Errorf("%w: %s %q is not absolute", ErrInvalidRecipe, p.what, p.value)
		}
	}

	if !filepath.IsLocal(a.Entry) {
		return fmt.Errorf("%w: entry %q must be relative to the source directory", ErrInvalidRecipe, a.Entry)
	}

	return nil
}

// Returns the shell command that installs the manifest.
func (a PythonApp) installCommand() (string, error) {
	manifest := path.Join(builderWorkdir, path.Base(filepath.ToSlash(a.Manifest)))

	args := []string{a.Python, "-m", "pip", "install", "--user", "--no-cache-dir", "--no-warn-script-location", "-r", manifest}
	for i, arg := range args {
		quoted, err := syntax.Quote(arg, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidRecipe, err)
		}
		args[i] = quoted
	}

	return strings.Join(args, " "), nil
}

// Returns s, or def when s is empty.
func or(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
