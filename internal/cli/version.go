package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/pyslim/internal"
)

// Represents the 'pyslim version' command.
type VersionCmd struct{}

// Executes the version command.
func (c *VersionCmd) Run(ctx context.Context) error {
	fmt.Println(internal.VersionString())
	return nil
}
