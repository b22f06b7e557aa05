package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	appName = "cruxflow"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/cruxflow or /run/user/<uid>/cruxflow
//	macOS:   ~/Library/Caches/cruxflow/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(xdg.CacheHome, appName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
//
//	Linux:   $XDG_RUNTIME_DIR/cruxflow/cruxflow.sock
//	macOS:   ~/Library/Caches/cruxflow/run/cruxflow.sock
func Socket() string {
	return filepath.Join(Runtime(), appName+".sock")
}

// Default path to the PID file.
//
//	Linux:   $XDG_RUNTIME_DIR/cruxflow/cruxflow.pid
//	macOS:   ~/Library/Caches/cruxflow/run/cruxflow.pid
func PIDFile() string {
	return filepath.Join(Runtime(), appName+".pid")
}

// Path to the directory holding persistent engine state.
//
//	Linux:   $XDG_DATA_HOME/cruxflow or ~/.local/share/cruxflow
//	macOS:   ~/Library/Application Support/cruxflow
func Data() string {
	return filepath.Join(xdg.DataHome, appName)
}

// Path to the content-addressed blob store below a data directory.
func Store(data string) string {
	return filepath.Join(data, "store")
}

// Path to the persistent cache index below a data directory.
func CacheIndex(data string) string {
	return filepath.Join(data, "cache.db")
}

// Path to the cache volumes below a data directory.
func Volumes(data string) string {
	return filepath.Join(data, "volumes")
}

// Path to the scratch space for materialised containers below a data
// directory.
func Scratch(data string) string {
	return filepath.Join(data, "tmp")
}

// Path to the configuration file.
//
//	Linux:   $XDG_CONFIG_HOME/cruxflow/config.json
//	macOS:   ~/Library/Application Support/cruxflow/config.json
func ConfigFile() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.json")
}
