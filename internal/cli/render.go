package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/pyslim/internal/project"
	"github.com/cruciblehq/pyslim/internal/recipe"
)

// Represents the 'pyslim render' command.
type RenderCmd struct {
	Root string `arg:"" optional:"" type:"path" default:"." help:"Project root."`
	File string `short:"f" type:"path" help:"Project definition file. Defaults to pyslim.toml in the root, if present."`
}

// Executes the render command.
func (c *RenderCmd) Run(ctx context.Context) error {
	def, err := project.Load(c.Root, c.File)
	if err != nil {
		return err
	}

	rec, err := def.Recipe()
	if err != nil {
		return err
	}

	dockerfile, err := recipe.Dockerfile(rec)
	if err != nil {
		return err
	}

	fmt.Print(dockerfile)
	return nil
}
