package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cruciblehq/pyslim/internal/paths"
	"github.com/cruciblehq/pyslim/internal/recipe"
	"github.com/cruciblehq/pyslim/internal/runtime"
)

// Shared state for building all stages of a recipe.
type pipeline struct {
	engine     Engine              // Container engine for image and container operations.
	resource   string              // Resource name, used as a prefix for container IDs.
	output     string              // Output directory for the exported images.
	root       string              // Build context for host imports and copies.
	platforms  []string            // Target platforms to build for.
	containers []Container         // All stage containers across all platforms, destroyed after the build.
	config     runtime.ImageConfig // Configuration applied to the exported image.
	empty      map[string]bool     // Stages whose output may be absent, such as a builder with nothing to install.
}

func newPipeline(engine Engine, opts Options, empty map[string]bool) *pipeline {
	return &pipeline{
		engine:    engine,
		resource:  opts.Resource,
		output:    opts.Output,
		root:      opts.Root,
		platforms: opts.Platforms,
		config:    runtime.ImageConfig(opts.Recipe.Config),
		empty:     empty,
	}
}

// Builds every platform in turn, recording stage outcomes in result.
//
// Containers are destroyed with a context that outlives cancellation, so an
// interrupted build does not leak them.
func (p *pipeline) build(ctx context.Context, rec *recipe.Recipe, result *Result) error {
	defer p.destroyContainers(context.WithoutCancel(ctx))

	n := len(rec.Stages)
	for i, platform := range p.platforms {
		archive, err := p.buildPlatform(ctx, rec.Stages, platform, result.Stages[i*n:(i+1)*n])
		if err != nil {
			return err
		}
		result.Archives = append(result.Archives, archive)
	}

	return nil
}

// Builds all stages for a single platform and returns the exported archive.
//
// Stages run strictly in order. Each platform keeps its own set of named
// stage containers for cross-stage imports.
func (p *pipeline) buildPlatform(ctx context.Context, stages []recipe.Stage, platform string, reports []StageReport) (string, error) {
	slog.Info("building platform", "platform", platform)

	output := platformOutput(p.output, p.platforms, platform)
	if err := os.MkdirAll(output, paths.DefaultDirMode); err != nil {
		return "", fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	running := make(map[string]Container)

	var archive string
	for i, stage := range stages {
		exported, err := p.buildStage(ctx, stage, i, platform, output, running)

		state := StageBuilt
		if err != nil {
			state = StageFailed
		}
		if terr := reports[i].transition(state); terr != nil {
			return "", terr
		}

		if err != nil {
			return "", &StageError{Platform: platform, Stage: reports[i].Stage, Err: err}
		}
		if exported != "" {
			archive = exported
		}
	}

	return archive, nil
}

// Builds a single stage and returns the exported archive, if any.
//
// The stage's base image is prepared and a container is started from it.
// Imports are copied in before the steps run. A failing command in a builder
// stage is reported as a manifest resolution failure. The non-transient
// stage is stopped and exported.
func (p *pipeline) buildStage(ctx context.Context, stage recipe.Stage, index int, platform, output string, running map[string]Container) (string, error) {
	label := recipe.Label(stage.Name, index)
	slog.Info(fmt.Sprintf("building stage %s", label), "platform", platform, "role", stage.Role)

	src, err := stage.ParseFrom()
	if err != nil {
		return "", err
	}

	image, err := p.engine.Prepare(ctx, src, platform)
	if err != nil {
		return "", err
	}

	ctr, err := p.engine.Start(ctx, image, p.containerID(stage.Name, index, platform), platform)
	if err != nil {
		return "", err
	}
	p.containers = append(p.containers, ctr)

	for _, imp := range stage.Imports {
		err := importPath(ctx, ctr, imp, p.root, running)
		if errors.Is(err, ErrMissingArtifact) && p.empty[imp.Stage] {
			slog.Info("skipping empty import", "stage", label, "import", imp.String())
			continue
		}
		if err != nil {
			return "", err
		}
	}

	runner := &stepRunner{ctr: ctr, root: p.root, stages: running}
	if err := runner.executeSteps(ctx, stage.Steps, newStepState()); err != nil {
		if stage.Role == recipe.RoleBuilder && errors.Is(err, ErrCommandFailed) {
			return "", fmt.Errorf("%w: %w", ErrManifestResolution, err)
		}
		return "", err
	}

	if stage.Name != "" {
		running[stage.Name] = ctr
	}

	if stage.Transient {
		return "", nil
	}

	if err := ctr.Stop(ctx); err != nil {
		return "", err
	}

	return ctr.Export(ctx, output, p.config)
}

// Destroys all stage containers.
func (p *pipeline) destroyContainers(ctx context.Context) {
	for _, ctr := range p.containers {
		ctr.Destroy(ctx)
	}
}

// Returns a unique container ID for a stage, scoped to this resource and platform.
func (p *pipeline) containerID(name string, index int, platform string) string {
	slug := platformSlug(platform)
	if name != "" {
		return fmt.Sprintf("%s-%s-stage-%s", p.resource, slug, name)
	}
	return fmt.Sprintf("%s-%s-stage-%d", p.resource, slug, index+1)
}

// Converts a platform string to a filesystem-safe slug.
func platformSlug(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}
