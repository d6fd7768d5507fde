package recipe

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Renders the recipe as an equivalent multi-stage Dockerfile.
//
// Modifier steps map to WORKDIR, ENV and SHELL instructions. Modifiers scoped
// to a single run step are rendered inline ("cd" and variable assignments)
// so they do not leak into later instructions. Sealed stage imports become
// COPY instructions, with --from for cross-stage imports. Stages built from
// OCI archives cannot be expressed and yield [ErrNotRenderable].
func Dockerfile(r *Recipe) (string, error) {
	var sb strings.Builder

	for i, stage := range r.Stages {
		src, err := stage.ParseFrom()
		if err != nil {
			return "", err
		}
		if src.Kind == SourceArchive {
			return "", fmt.Errorf("%w: stage %s is built from an archive", ErrNotRenderable, Label(stage.Name, i))
		}

		if i > 0 {
			sb.WriteString("\n")
		}
		if stage.Name != "" {
			fmt.Fprintf(&sb, "FROM %s AS %s\n", src.Value, stage.Name)
		} else {
			fmt.Fprintf(&sb, "FROM %s\n", src.Value)
		}

		for _, imp := range stage.Imports {
			if imp.FromHost() {
				fmt.Fprintf(&sb, "COPY %s %s\n", imp.Src, imp.Dest)
			} else {
				fmt.Fprintf(&sb, "COPY --from=%s %s %s\n", imp.Stage, imp.Src, imp.Dest)
			}
		}

		if err := renderSteps(&sb, stage.Steps); err != nil {
			return "", err
		}
	}

	renderConfig(&sb, r.Config)
	return sb.String(), nil
}

// Writes the instructions for a list of steps.
func renderSteps(sb *strings.Builder, steps []Step) error {
	for _, step := range steps {
		if len(step.Steps) > 0 {
			renderModifiers(sb, step)
			if err := renderSteps(sb, step.Steps); err != nil {
				return err
			}
			continue
		}

		switch {
		case step.Run != "":
			renderRun(sb, step)
		case step.Copy != "":
			fields := strings.Fields(step.Copy)
			if len(fields) != 2 {
				return fmt.Errorf("%w: copy %q", ErrNotRenderable, step.Copy)
			}
			if stage, src, ok := strings.Cut(fields[0], ":"); ok && stage != "" && !strings.Contains(stage, "/") {
				fmt.Fprintf(sb, "COPY --from=%s %s %s\n", stage, src, fields[1])
			} else {
				fmt.Fprintf(sb, "COPY %s %s\n", fields[0], fields[1])
			}
		default:
			renderModifiers(sb, step)
		}
	}
	return nil
}

// Writes persistent modifiers.
func renderModifiers(sb *strings.Builder, step Step) {
	if step.Shell != "" {
		fmt.Fprintf(sb, "SHELL %s\n", execForm([]string{step.Shell, "-c"}))
	}
	if step.Workdir != "" {
		fmt.Fprintf(sb, "WORKDIR %s\n", step.Workdir)
	}
	if len(step.Env) > 0 {
		fmt.Fprintf(sb, "ENV %s\n", envPairs(step.Env))
	}
}

// Writes a run step with its scoped modifiers inlined.
func renderRun(sb *strings.Builder, step Step) {
	cmd := step.Run
	if len(step.Env) > 0 {
		cmd = envPairs(step.Env) + " " + cmd
	}
	if step.Workdir != "" {
		cmd = fmt.Sprintf("cd %s && %s", step.Workdir, cmd)
	}
	if step.Shell != "" {
		fmt.Fprintf(sb, "RUN %s\n", execForm([]string{step.Shell, "-c", cmd}))
		return
	}
	fmt.Fprintf(sb, "RUN %s\n", cmd)
}

// Writes the final image configuration.
func renderConfig(sb *strings.Builder, cfg ImageConfig) {
	if cfg.WorkingDir != "" {
		fmt.Fprintf(sb, "WORKDIR %s\n", cfg.WorkingDir)
	}
	if len(cfg.Env) > 0 {
		fmt.Fprintf(sb, "ENV %s\n", envPairs(cfg.Env))
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.Labels)) {
		fmt.Fprintf(sb, "LABEL %s=%s\n", k, quote(cfg.Labels[k]))
	}
	if len(cfg.Entrypoint) > 0 {
		fmt.Fprintf(sb, "ENTRYPOINT %s\n", execForm(cfg.Entrypoint))
	}
	if len(cfg.Cmd) > 0 {
		fmt.Fprintf(sb, "CMD %s\n", execForm(cfg.Cmd))
	}
}

// Formats variables as sorted KEY=value pairs.
func envPairs(env map[string]string) string {
	pairs := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		pairs = append(pairs, k+"="+quote(env[k]))
	}
	return strings.Join(pairs, " ")
}

// Double-quotes a value when it contains whitespace or quotes.
func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'\\") {
		b, _ := json.Marshal(s)
		return string(b)
	}
	return s
}

// Formats arguments in JSON exec form.
func execForm(args []string) string {
	b, _ := json.Marshal(args)
	return string(b)
}
