package recipe

import (
	"fmt"
	"path"
)

// Purpose of a stage. It determines how failures are reported.
type Role string

const (
	RoleBuilder Role = "builder" // Installs dependencies; failures are manifest resolution failures.
	RoleRuntime Role = "runtime" // Assembles the final image.
)

// A multi-stage build.
type Recipe struct {
	Stages []Stage     `json:"stages"`
	Config ImageConfig `json:"config"`
}

// A single build stage.
type Stage struct {
	Name      string   `json:"name,omitempty"`      // Name used by cross-stage copies and imports.
	From      string   `json:"from"`                // Base image reference or "oci-archive:<path>".
	Role      Role     `json:"role,omitempty"`      // Purpose of the stage.
	Transient bool     `json:"transient,omitempty"` // Discarded after the build instead of exported.
	Sealed    bool     `json:"sealed,omitempty"`    // Content enters only through Imports.
	Imports   []Import `json:"imports,omitempty"`   // Paths copied in before the steps run.
	Steps     []Step   `json:"steps,omitempty"`     // Operations and modifiers, in order.
}

// A step is an operation (Run or Copy), a modifier (Shell, Workdir, Env), a
// group of nested steps, or an operation with modifiers scoped to it.
type Step struct {
	Run     string            `json:"run,omitempty"`     // Shell command.
	Copy    string            `json:"copy,omitempty"`    // "src dest" or "stage:src dest".
	Shell   string            `json:"shell,omitempty"`   // Shell for run steps.
	Workdir string            `json:"workdir,omitempty"` // Working directory.
	Env     map[string]string `json:"env,omitempty"`     // Environment variables.
	Steps   []Step            `json:"steps,omitempty"`   // Nested steps.
}

// Reports whether the step performs an operation, directly or in a nested
// group.
func (s Step) HasOperation() bool {
	if s.Run != "" || s.Copy != "" {
		return true
	}
	for _, child := range s.Steps {
		if child.HasOperation() {
			return true
		}
	}
	return false
}

// A path admitted into a sealed stage.
//
// When Stage is empty, Src is a path on the host relative to the build
// context. Otherwise Src is an absolute path inside the named, earlier
// stage. Dest is always absolute.
type Import struct {
	Stage string `json:"stage,omitempty"`
	Src   string `json:"src"`
	Dest  string `json:"dest"`
}

// Reports whether the import reads from the build context.
func (i Import) FromHost() bool {
	return i.Stage == ""
}

// Formats the import for logs and errors.
func (i Import) String() string {
	if i.FromHost() {
		return fmt.Sprintf("%s -> %s", i.Src, i.Dest)
	}
	return fmt.Sprintf("%s:%s -> %s", i.Stage, i.Src, i.Dest)
}

// Configuration written into the exported image.
type ImageConfig struct {
	Name       string            `json:"name,omitempty"`       // Reference annotated on the exported archive.
	WorkingDir string            `json:"workingDir,omitempty"` // Process working directory.
	Entrypoint []string          `json:"entrypoint,omitempty"` // Process entry point. Clears the base image's Cmd.
	Cmd        []string          `json:"cmd,omitempty"`        // Default arguments.
	Env        map[string]string `json:"env,omitempty"`        // Values may reference the base image env as $NAME.
	Labels     map[string]string `json:"labels,omitempty"`     // Image labels.
}

// Returns the exported stage, which is the last one.
func (r *Recipe) Final() Stage {
	return r.Stages[len(r.Stages)-1]
}

// Checks the structural rules of the recipe.
//
// Every stage must have a parseable base image. Stage names must be unique.
// Only the last stage may be non-transient, and it must be. Imports must
// name an earlier stage (or the host) and absolute destinations. Sealed
// stages may not contain run or copy operations.
func (r *Recipe) Validate() error {
	if len(r.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidRecipe)
	}

	names := make(map[string]bool)
	last := len(r.Stages) - 1

	for i, stage := range r.Stages {
		label := Label(stage.Name, i)

		if _, err := stage.ParseFrom(); err != nil {
			return fmt.Errorf("stage %s: %w", label, err)
		}

		if i == last && stage.Transient {
			return fmt.Errorf("%w: final stage %s is transient", ErrInvalidRecipe, label)
		}
		if i != last && !stage.Transient {
			return fmt.Errorf("%w: stage %s must be transient, only the final stage is exported", ErrInvalidRecipe, label)
		}

		if err := validateImports(stage, label, names); err != nil {
			return err
		}

		if stage.Sealed {
			for j, step := range stage.Steps {
				if step.HasOperation() {
					return fmt.Errorf("%w: stage %s, step %d", ErrNotAllowed, label, j+1)
				}
			}
		}

		if stage.Name != "" {
			if names[stage.Name] {
				return fmt.Errorf("%w: duplicate stage name %q", ErrInvalidRecipe, stage.Name)
			}
			names[stage.Name] = true
		}
	}

	return nil
}

// Checks the imports of a stage against the names of earlier stages.
func validateImports(stage Stage, label string, earlier map[string]bool) error {
	for _, imp := range stage.Imports {
		if imp.Src == "" || imp.Dest == "" {
			return fmt.Errorf("%w: stage %s: import %q needs a source and a destination", ErrInvalidRecipe, label, imp)
		}
		if !path.IsAbs(imp.Dest) {
			return fmt.Errorf("%w: stage %s: import destination %q is not absolute", ErrInvalidRecipe, label, imp.Dest)
		}
		if imp.FromHost() {
			continue
		}
		if !earlier[imp.Stage] {
			return fmt.Errorf("%w: stage %s imports from unknown or later stage %q", ErrInvalidRecipe, label, imp.Stage)
		}
		if !path.IsAbs(imp.Src) {
			return fmt.Errorf("%w: stage %s: import source %q is not absolute", ErrInvalidRecipe, label, imp.Src)
		}
	}
	return nil
}

// Returns a label for a stage, preferring the quoted name and falling back to
// the 1-based index.
func Label(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%d", index+1)
}
