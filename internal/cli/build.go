package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cruciblehq/pyslim/internal/build"
	"github.com/cruciblehq/pyslim/internal/client"
	"github.com/cruciblehq/pyslim/internal/project"
	"github.com/cruciblehq/pyslim/internal/protocol"
	"github.com/cruciblehq/pyslim/internal/runtime"
)

// Represents the 'pyslim build' command.
type BuildCmd struct {
	Root     string   `arg:"" optional:"" type:"path" default:"." help:"Project root."`
	File     string   `short:"f" type:"path" help:"Project definition file. Defaults to pyslim.toml in the root, if present."`
	Output   string   `short:"o" type:"path" help:"Directory for the exported image."`
	Platform []string `short:"p" help:"Target platform, e.g. linux/amd64. Repeatable."`
	Daemon   bool     `help:"Run the build in the pyslim daemon instead of in-process."`
}

// Executes the build command.
//
// The exported archive paths are printed to stdout, one per platform.
func (c *BuildCmd) Run(ctx context.Context) error {
	if c.Daemon {
		return c.runRemote(ctx)
	}
	return c.runLocal(ctx)
}

// Builds in-process against containerd.
func (c *BuildCmd) runLocal(ctx context.Context) error {
	def, err := project.Load(c.Root, c.File)
	if err != nil {
		return err
	}
	if c.Output != "" {
		def.Output = c.Output
	}
	if len(c.Platform) > 0 {
		def.Platforms = c.Platform
	}

	opts, err := def.BuildOptions()
	if err != nil {
		return err
	}

	rt, err := runtime.New(RootCmd.Containerd, RootCmd.Namespace)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := build.Run(ctx, build.NewEngine(rt), opts)
	if err != nil {
		return err
	}

	slog.Info("image built", "image", result.Image, "inputs", result.Inputs)
	for _, archive := range result.Archives {
		fmt.Println(archive)
	}
	return nil
}

// Sends the build to the daemon.
func (c *BuildCmd) runRemote(ctx context.Context) error {
	result, err := client.New(RootCmd.Socket).Build(ctx, &protocol.BuildRequest{
		Root:       c.Root,
		Definition: c.File,
		Output:     c.Output,
		Platforms:  c.Platform,
	})
	if err != nil {
		return err
	}

	slog.Info("image built", "image", result.Image, "inputs", result.Inputs)
	for _, archive := range result.Archives {
		fmt.Println(archive)
	}
	return nil
}
