package cli

import (
	"github.com/cruciblehq/cruxflow/internal/cas"
	"github.com/cruciblehq/cruxflow/pipeline"
)

// Defaults for the containerd sandbox.
const (
	DefaultContainerdAddress   = pipeline.DefaultContainerdAddress
	DefaultContainerdNamespace = pipeline.DefaultContainerdNamespace
)

// Flags shared by every command that opens pipeline sessions.
type SessionFlags struct {
	DataDir     string `help:"Directory holding the store and the cache index." default:"${dataDir}" type:"path" env:"CRUXFLOW_DATA_DIR"`
	Containerd  string `help:"Containerd socket address." default:"${address}" env:"CRUXFLOW_CONTAINERD"`
	Namespace   string `help:"Containerd namespace for images and containers." default:"${namespace}" env:"CRUXFLOW_NAMESPACE"`
	Workers     int    `help:"Operations executing at once. Zero uses the number of CPUs." env:"CRUXFLOW_WORKERS"`
	Insecure    bool   `help:"Allow registries served over plain HTTP." env:"CRUXFLOW_INSECURE"`
	MemoryBlobs int    `help:"Small blobs kept in memory." env:"CRUXFLOW_MEMORY_BLOBS"`
	NoCache     bool   `help:"Do not reuse or persist results across sessions." env:"CRUXFLOW_NO_CACHE"`

	Remote RemoteFlags `embed:"" prefix:"remote-" group:"Remote store"`
}

// Flags for the S3-compatible secondary blob store.
type RemoteFlags struct {
	Endpoint  string `help:"S3 endpoint host and port. Empty disables the remote store." env:"CRUXFLOW_REMOTE_ENDPOINT"`
	Bucket    string `help:"Bucket holding the blobs." default:"cruxflow" env:"CRUXFLOW_REMOTE_BUCKET"`
	Prefix    string `help:"Key prefix for blobs." env:"CRUXFLOW_REMOTE_PREFIX"`
	Region    string `help:"Bucket region." env:"CRUXFLOW_REMOTE_REGION"`
	AccessKey string `help:"Access key ID." env:"CRUXFLOW_REMOTE_ACCESS_KEY"`
	SecretKey string `help:"Secret access key." env:"CRUXFLOW_REMOTE_SECRET_KEY"`
	TLS       bool   `help:"Connect to the endpoint over TLS." default:"true" negatable:"" env:"CRUXFLOW_REMOTE_TLS"`
}

// Returns the session options selected by the flags.
func (f *SessionFlags) options() []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithDataDir(f.DataDir),
		pipeline.WithContainerd(f.Containerd, f.Namespace),
		pipeline.WithWorkers(f.Workers),
		pipeline.WithInsecureRegistries(f.Insecure),
		pipeline.WithPersistentCache(!f.NoCache),
	}
	if f.MemoryBlobs > 0 {
		opts = append(opts, pipeline.WithMemoryBlobs(f.MemoryBlobs))
	}
	if f.Remote.Endpoint != "" {
		opts = append(opts, pipeline.WithRemoteStore(cas.S3Config{
			Endpoint:  f.Remote.Endpoint,
			Bucket:    f.Remote.Bucket,
			Prefix:    f.Remote.Prefix,
			Region:    f.Remote.Region,
			AccessKey: f.Remote.AccessKey,
			SecretKey: f.Remote.SecretKey,
			UseSSL:    f.Remote.TLS,
		}))
	}
	return opts
}
