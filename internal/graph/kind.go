package graph

// Identifies an operation.
//
// The kind name is part of the node digest and must never change for an
// existing operation.
type Kind string

const (
	KindScratch                Kind = "scratch"                // Empty container.
	KindFromImage              Kind = "from"                   // Container from an image reference.
	KindWithDirectory          Kind = "withDirectory"          // Copies a directory into the rootfs.
	KindWithMountedDirectory   Kind = "withMountedDirectory"   // Mounts a directory for later execs.
	KindWithMountedCache       Kind = "withMountedCache"       // Mounts a persistent cache volume.
	KindWithWorkdir            Kind = "withWorkdir"            // Sets the working directory.
	KindWithEnvVariable        Kind = "withEnvVariable"        // Sets an environment variable.
	KindWithoutEnvVariable     Kind = "withoutEnvVariable"     // Removes an environment variable.
	KindWithNewFile            Kind = "withNewFile"            // Writes a file into the rootfs.
	KindWithFile               Kind = "withFile"               // Copies a file into the rootfs.
	KindWithExec               Kind = "withExec"               // Runs a command: args, allow failure, stdin.
	KindStdout                 Kind = "stdout"                 // Standard output of the last exec.
	KindStderr                 Kind = "stderr"                 // Standard error of the last exec.
	KindExitCode               Kind = "exitCode"               // Exit code of the last exec.
	KindContainerDirectory     Kind = "directory"              // Directory taken from a container.
	KindHostDirectory          Kind = "hostDirectory"          // Directory ingested from the host.
	KindEmptyDirectory         Kind = "emptyDirectory"         // Empty directory.
	KindDirectoryWithNewFile   Kind = "directoryWithNewFile"   // Writes a file into a directory.
	KindDirectoryWithDirectory Kind = "directoryWithDirectory" // Copies a directory into a directory.
	KindDirectoryFile          Kind = "file"                   // File taken from a directory.
)

// Type of the value an operation produces.
type ResultType int

const (
	TypeContainer ResultType = iota // Container state: rootfs tree plus config.
	TypeDirectory                   // Tree.
	TypeFile                        // Single file blob.
	TypeString                      // Captured text.
	TypeInt                         // Integer, such as an exit code.
)

// Implements [fmt.Stringer].
func (t ResultType) String() string {
	switch t {
	case TypeContainer:
		return "container"
	case TypeDirectory:
		return "directory"
	case TypeFile:
		return "file"
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	default:
		return "unknown"
	}
}
