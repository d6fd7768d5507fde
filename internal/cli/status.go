package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/pyslim/internal/client"
)

// Represents the 'pyslim status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	status, err := client.New(RootCmd.Socket).Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("version:  %s\n", status.Version)
	fmt.Printf("pid:      %d\n", status.Pid)
	fmt.Printf("uptime:   %s\n", status.Uptime)
	fmt.Printf("builds:   %d\n", status.Builds)
	fmt.Printf("failures: %d\n", status.Failures)
	fmt.Printf("active:   %d\n", status.Active)
	return nil
}

// Represents the 'pyslim stop' command.
type StopCmd struct{}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	return client.New(RootCmd.Socket).Shutdown(ctx)
}
