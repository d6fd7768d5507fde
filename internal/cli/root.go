package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/cruciblehq/pyslim/internal"
	"github.com/cruciblehq/pyslim/internal/server"
	"github.com/mattn/go-isatty"
)

// Represents the root command.
var RootCmd struct {
	Quiet      bool       `short:"q" help:"Suppress informational output."`
	Verbose    bool       `short:"v" help:"Enable verbose output."`
	Debug      bool       `short:"d" help:"Enable debug output."`
	Socket     string     `short:"s" help:"Override the default daemon socket path." placeholder:"PATH"`
	Containerd string     `help:"Containerd socket address." default:"${containerd}" placeholder:"ADDRESS"`
	Namespace  string     `help:"Containerd namespace for images and containers." default:"${namespace}"`
	Build      BuildCmd   `cmd:"" help:"Build the runtime image of a Python project."`
	Render     RenderCmd  `cmd:"" help:"Print the build recipe as a Dockerfile."`
	Start      StartCmd   `cmd:"" help:"Start the daemon."`
	Status     StatusCmd  `cmd:"" help:"Show daemon status."`
	Stop       StopCmd    `cmd:"" help:"Stop the daemon."`
	Version    VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
//
// SIGINT and SIGTERM cancel the context passed to the subcommand, which
// aborts an in-flight build.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds slim container images for Python applications.\n\nDependencies are installed in a builder stage; the runtime image receives only the installed packages and the application source."),
		kong.UsageOnError(),
		kong.Vars{
			"version":    internal.VersionString(),
			"containerd": server.DefaultContainerdAddress,
			"namespace":  server.DefaultContainerdNamespace,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Applies the parsed flags to the global logger.
func configureLogger() {
	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())

	logger, ok := slog.Default().Handler().(*log.Logger)
	if !ok {
		return // Not a charm logger, nothing to configure
	}

	logger.SetLevel(Level())

	verbose := internal.IsVerbose()
	logger.SetReportTimestamp(verbose)
	logger.SetReportCaller(verbose)

	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger.SetFormatter(log.TextFormatter)
	} else {
		logger.SetFormatter(log.LogfmtFormatter)
	}
}

// Returns the log level for the current output modes. Debug wins over
// quiet.
func Level() log.Level {
	switch {
	case internal.IsDebug():
		return log.DebugLevel
	case internal.IsQuiet():
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}
