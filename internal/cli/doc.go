// Parses flags, configures logging and runs the cruxflow commands.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path.
//
// Commands:
//
//	start     Run the daemon.
//	build     Build an image from a recipe, through the daemon or with --local.
//	status    Show daemon status.
//	stop      Ask the daemon to shut down.
//	prune     Delete blobs no cached result references.
//	version   Show version information.
//
// Flags override build-time defaults set via linker flags. Defaults for any
// flag may also be given in the JSON configuration file or through
// CRUXFLOW_* environment variables. After parsing, the global logger is
// rebuilt to reflect the final level and verbosity.
package cli
