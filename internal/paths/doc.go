// Provides platform-appropriate paths for the engine and its daemon.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS and Windows. The name "cruxflow" is used as the subdirectory
// under each base path. Persistent state (the blob store, the cache index
// and cache volumes) lives below [Data]; sockets and PID files below
// [Runtime].
package paths
