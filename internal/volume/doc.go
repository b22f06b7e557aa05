// Manages persistent cache volumes.
//
// A volume is a named host directory that survives across runs and is
// mounted read-write into the commands that reference it. Its contents are
// deliberately outside the content-addressed store: whatever the last
// command left behind is what the next one sees.
//
// Access is exclusive for the duration of a command. Goroutines of one
// process are serialised with a per-name [locker.Locker] and separate
// processes sharing the data directory with an advisory file lock.
package volume
