package build

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/cruciblehq/pyslim/internal/manifest"
	"github.com/cruciblehq/pyslim/internal/recipe"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
)

// Outcome of the host checks.
type hostInputs struct {
	digest digest.Digest   // Digest of the recipe and host inputs.
	empty  map[string]bool // Stages whose output may be absent.
}

// Checks the host inputs before any container starts.
//
// The manifest must parse, and every host import and required path must
// exist. Failures are attributed to the stage that would have consumed the
// input: the first builder stage for the manifest, the importing stage for
// imports and the final stage for required paths. A manifest that installs
// nothing marks the builder's output as possibly absent.
func preflight(opts Options) (*hostInputs, error) {
	rec := opts.Recipe
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	var inputs []string
	host := &hostInputs{empty: make(map[string]bool)}

	if opts.Manifest != "" {
		index := builderIndex(rec)
		label := recipe.Label(rec.Stages[index].Name, index)

		m, err := checkManifest(hostPath(opts.Root, opts.Manifest))
		if err != nil {
			return nil, &StageError{Stage: label, Err: err}
		}
		if !m.Installs() {
			slog.Info("manifest declares no requirements", "path", opts.Manifest)
			host.empty[rec.Stages[index].Name] = true
		}
		inputs = append(inputs, opts.Manifest)
	}

	for i, stage := range rec.Stages {
		for _, imp := range stage.Imports {
			if !imp.FromHost() {
				continue
			}
			if err := checkExists(hostPath(opts.Root, imp.Src)); err != nil {
				return nil, &StageError{Stage: recipe.Label(stage.Name, i), Err: err}
			}
			inputs = append(inputs, imp.Src)
		}
	}

	final := recipe.Label(rec.Final().Name, len(rec.Stages)-1)
	for _, p := range opts.Required {
		if err := checkExists(hostPath(opts.Root, p)); err != nil {
			return nil, &StageError{Stage: final, Err: err}
		}
	}

	inputs = lo.Uniq(inputs)
	sum, err := inputsDigest(rec, opts.Root, inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	host.digest = sum

	return host, nil
}

// Parses the manifest at p. Unpinned requirements are logged, since they
// make repeated builds resolve to different versions.
func checkManifest(p string) (*manifest.Manifest, error) {
	if err := checkExists(p); err != nil {
		return nil, err
	}

	m, err := manifest.Load(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestResolution, err)
	}

	if unpinned := m.Unpinned(); len(unpinned) > 0 {
		names := lo.Map(unpinned, func(r manifest.Requirement, _ int) string {
			return r.String()
		})
		slog.Warn("manifest has unpinned requirements", "path", p, "requirements", names)
	}

	slog.Debug("manifest parsed",
		"path", p,
		"requirements", m.Names(),
		"references", len(m.References),
		"options", len(m.Options),
	)
	return m, nil
}

// Fails with [ErrMissingSource] when p does not exist.
func checkExists(p string) error {
	_, err := os.Stat(p)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrMissingSource, p)
	}
	return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
}

// Returns the index of the first builder stage, or 0 when none has the
// builder role.
func builderIndex(rec *recipe.Recipe) int {
	for i, stage := range rec.Stages {
		if stage.Role == recipe.RoleBuilder {
			return i
		}
	}
	return 0
}
