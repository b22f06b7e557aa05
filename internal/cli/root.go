package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/cruciblehq/cruxflow/internal"
	"github.com/cruciblehq/cruxflow/internal/paths"
)

// Represents the root command for cruxflow.
var RootCmd struct {
	Quiet   bool       `short:"q" help:"Suppress informational output." env:"CRUXFLOW_QUIET"`
	Verbose bool       `short:"v" help:"Enable verbose output." env:"CRUXFLOW_VERBOSE"`
	Debug   bool       `short:"d" help:"Enable debug output." env:"CRUXFLOW_DEBUG"`
	Socket  string     `short:"s" help:"Override the default Unix socket path." placeholder:"PATH" env:"CRUXFLOW_SOCKET"`
	Start   StartCmd   `cmd:"" help:"Start the daemon."`
	Build   BuildCmd   `cmd:"" help:"Build an image from a recipe."`
	Status  StatusCmd  `cmd:"" help:"Show daemon status."`
	Stop    StopCmd    `cmd:"" help:"Stop the daemon."`
	Prune   PruneCmd   `cmd:"" help:"Delete unreferenced blobs from the store."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Declarative container pipelines.\n\nBuilds images from recipes on a content-addressed, cached operation graph."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, paths.ConfigFile()),
		kong.Vars{
			"version":   internal.VersionString(),
			"dataDir":   paths.Data(),
			"output":    "dist",
			"recipe":    "recipe.yaml",
			"address":   DefaultContainerdAddress,
			"namespace": DefaultContainerdNamespace,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Applies the parsed flags to the process modes and replaces the global
// logger.
func configureLogger() {
	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())

	slog.SetDefault(NewLogger(os.Stderr))
}

// Creates a logger writing to w at the level of the current modes.
//
// Output is colourised when w is a terminal. Verbose mode adds source
// locations.
func NewLogger(w io.Writer) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      internal.LogLevel(),
		AddSource:  internal.IsVerbose() || internal.IsDebug(),
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(w),
	}))
}

// Whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Returns the daemon socket selected by the flags.
func socket() string {
	if RootCmd.Socket != "" {
		return RootCmd.Socket
	}
	return paths.Socket()
}
