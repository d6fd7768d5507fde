package build

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cruciblehq/pyslim/internal/recipe"
)

// Runs a stage's steps in order against its container.
type stepRunner struct {
	ctr    Container
	root   string               // Build context for host copies.
	stages map[string]Container // Earlier stages, for cross-stage copies.
}

// Executes a list of steps in order.
func (r *stepRunner) executeSteps(ctx context.Context, steps []recipe.Step, state *stepState) error {
	for i, step := range steps {
		if err := r.executeStep(ctx, step, state); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Executes a single step, dispatching to operation execution, group
// recursion or state mutation depending on the step's fields.
func (r *stepRunner) executeStep(ctx context.Context, step recipe.Step, state *stepState) error {
	if len(step.Steps) > 0 {
		state.apply(step)
		return r.executeSteps(ctx, step.Steps, state)
	}

	if step.Run != "" || step.Copy != "" {
		return r.executeOperation(ctx, step, state)
	}

	state.apply(step)
	return nil
}

// Executes a run or copy operation with the step's modifiers scoped to it.
func (r *stepRunner) executeOperation(ctx context.Context, step recipe.Step, state *stepState) error {
	resolved := state.resolve(step)

	if resolved.workdir != "" {
		if err := r.ctr.MkdirAll(ctx, resolved.workdir); err != nil {
			return err
		}
	}

	switch {
	case step.Run != "":
		slog.Debug("run", "command", step.Run, "shell", resolved.shell)
		result, err := r.ctr.Exec(ctx, resolved.shell, step.Run, resolved.environ(), resolved.workdir)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("%w: exit code %d: %s", ErrCommandFailed, result.ExitCode, strings.TrimSpace(result.Stderr))
		}

	case step.Copy != "":
		return executeCopy(ctx, r.ctr, step.Copy, resolved.workdir, r.root, r.stages)
	}

	return nil
}
