package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"

	"github.com/containerd/platforms"
	"github.com/cruciblehq/pyslim/internal/paths"
	"github.com/cruciblehq/pyslim/internal/recipe"
	"github.com/cruciblehq/pyslim/internal/runtime"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
)

// Controls recipe execution.
type Options struct {
	Recipe    *recipe.Recipe // Recipe to execute.
	Resource  string         // Resource name, used as a prefix for container IDs.
	Output    string         // Directory for the exported image.
	Root      string         // Project root, for resolving host paths.
	Platforms []string       // Target platforms (e.g., ["linux/amd64"]). Defaults to linux on the host architecture.
	Manifest  string         // Requirements file checked before any stage starts. Optional.
	Required  []string       // Host paths that must exist, such as the entry file.
}

// Outcome of a recipe execution.
type Result struct {
	Output   string        `json:"output"`   // Directory containing the exported images.
	Image    string        `json:"image"`    // Reference annotated on the exported images.
	Archives []string      `json:"archives"` // Exported archive per platform, in platform order.
	Inputs   digest.Digest `json:"inputs"`   // Digest of the recipe and host inputs.
	Stages   []StageReport `json:"stages"`   // Every stage of every platform, in build order.
}

// Executes a recipe against a container engine.
//
// Host inputs are checked first. Then, for each platform, stages are built
// in declaration order and the final stage is exported to the output
// directory. All stage containers are destroyed before Run returns.
//
// On failure the result is returned alongside the error so callers can see
// which stages were built, which one failed and which were never reached.
// Archives from an earlier build are removed before anything else, so a
// failed build leaves no image in the output directory.
func Run(ctx context.Context, engine Engine, opts Options) (*Result, error) {
	if opts.Recipe == nil || len(opts.Recipe.Stages) == 0 {
		return nil, fmt.Errorf("%w: %w: no stages", ErrBuild, recipe.ErrInvalidRecipe)
	}
	if opts.Output == "" {
		return nil, fmt.Errorf("%w: no output directory", ErrBuild)
	}

	targets, err := normalizePlatforms(opts.Platforms)
	if err != nil {
		return nil, err
	}
	opts.Platforms = targets

	result := &Result{
		Output: opts.Output,
		Image:  opts.Recipe.Config.Name,
		Stages: pendingReports(opts.Recipe, opts.Platforms),
	}

	if err := removeArchives(opts.Output, opts.Platforms); err != nil {
		return result, err
	}

	host, err := preflight(opts)
	if err != nil {
		failStage(result.Stages, err)
		return result, err
	}
	result.Inputs = host.digest

	slog.Info("executing recipe",
		"resource", opts.Resource,
		"output", opts.Output,
		"stages", len(opts.Recipe.Stages),
		"platforms", opts.Platforms,
		"inputs", host.digest,
	)

	if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
		return result, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	if err := newPipeline(engine, opts, host.empty).build(ctx, opts.Recipe, result); err != nil {
		return result, err
	}

	return result, nil
}

// Removes the archive of every target platform left by an earlier build.
func removeArchives(output string, targets []string) error {
	for _, platform := range targets {
		stale := filepath.Join(platformOutput(output, targets, platform), runtime.ExportFilename)
		if err := os.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
		}
	}
	return nil
}

// Marks the stage named by a [StageError] as failed on every platform. Host
// inputs are shared by all platforms.
func failStage(reports []StageReport, err error) {
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		return
	}
	for i := range reports {
		if reports[i].Stage == stageErr.Stage {
			reports[i].transition(StageFailed)
		}
	}
}

// Returns the output directory for a platform.
//
// A single-platform build writes {output}/image.tar. Multi-platform builds
// write one subdirectory per platform (e.g., {output}/linux-amd64).
func platformOutput(output string, targets []string, platform string) string {
	if len(targets) == 1 {
		return output
	}
	return filepath.Join(output, platformSlug(platform))
}

// Parses, normalizes and deduplicates the target platforms.
func normalizePlatforms(targets []string) ([]string, error) {
	if len(targets) == 0 {
		return []string{"linux/" + goruntime.GOARCH}, nil
	}

	normalized := make([]string, 0, len(targets))
	for _, t := range targets {
		p, err := platforms.Parse(t)
		if err != nil {
			return nil, fmt.Errorf("%w: platform %q: %w", ErrBuild, t, err)
		}
		normalized = append(normalized, platforms.Format(platforms.Normalize(p)))
	}

	return lo.Uniq(normalized), nil
}

// Returns a pending report for every stage of every platform.
func pendingReports(rec *recipe.Recipe, targets []string) []StageReport {
	reports := make([]StageReport, 0, len(rec.Stages)*len(targets))
	for _, platform := range targets {
		for i, stage := range rec.Stages {
			reports = append(reports, StageReport{
				Platform: platform,
				Stage:    recipe.Label(stage.Name, i),
				State:    StagePending,
			})
		}
	}
	return reports
}
