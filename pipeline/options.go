package pipeline

import (
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/internal/metrics"
	"github.com/cruciblehq/cruxflow/internal/paths"
	"github.com/cruciblehq/cruxflow/internal/solver"
)

// Defaults for the containerd sandbox.
const (
	DefaultContainerdAddress   = "/run/containerd/containerd.sock"
	DefaultContainerdNamespace = "cruxflow"
)

// Settings collected from [Option] values.
type options struct {
	dataDir     string           // Directory holding persistent state.
	workers     int              // Maximum concurrently executing operations.
	platform    string           // Default platform for images.
	persistent  bool             // Whether results are reused across sessions.
	insecure    bool             // Whether plain HTTP registries are allowed.
	address     string           // Containerd socket.
	namespace   string           // Containerd namespace.
	remote      *cas.S3Config    // Secondary blob store, nil for none.
	memoryBlobs int              // Blobs kept in memory.
	sandbox     solver.Sandbox   // Overrides the containerd sandbox.
	puller      solver.Puller    // Overrides the registry puller.
	metrics     *metrics.Metrics // Collectors, created when nil.
}

func defaultOptions() *options {
	return &options{
		dataDir:    paths.Data(),
		persistent: true,
		address:    DefaultContainerdAddress,
		namespace:  DefaultContainerdNamespace,
	}
}

// Configures [Connect].
type Option func(*options)

// Keeps the blob store, the cache index and cache volumes below dir.
func WithDataDir(dir string) Option {
	return func(o *options) {
		o.dataDir = dir
	}
}

// Limits the number of operations executing at once. Defaults to the
// number of CPUs.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// Sets the platform images are resolved for, such as "linux/arm64".
// Defaults to the host.
func WithPlatform(platform string) Option {
	return func(o *options) {
		o.platform = platform
	}
}

// Controls whether results are persisted and reused by later sessions.
// Enabled by default.
func WithPersistentCache(enabled bool) Option {
	return func(o *options) {
		o.persistent = enabled
	}
}

// Allows registries served over plain HTTP.
func WithInsecureRegistries(insecure bool) Option {
	return func(o *options) {
		o.insecure = insecure
	}
}

// Runs commands through the containerd daemon at address, in namespace.
func WithContainerd(address, namespace string) Option {
	return func(o *options) {
		o.address = address
		o.namespace = namespace
	}
}

// Replicates blobs to an S3-compatible bucket and fills local misses from
// it, so several hosts can share results.
func WithRemoteStore(cfg cas.S3Config) Option {
	return func(o *options) {
		o.remote = &cfg
	}
}

// Sets how many small blobs are kept in memory.
func WithMemoryBlobs(n int) Option {
	return func(o *options) {
		o.memoryBlobs = n
	}
}

// Runs commands with sb instead of containerd.
func WithSandbox(sb solver.Sandbox) Option {
	return func(o *options) {
		o.sandbox = sb
	}
}

// Resolves images with p instead of the registry puller.
func WithPuller(p solver.Puller) Option {
	return func(o *options) {
		o.puller = p
	}
}

// Reports to m instead of a private set of collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
