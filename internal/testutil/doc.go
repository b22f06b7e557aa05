// Provides in-process fakes of the runtime boundary for tests.
//
// [Sandbox] interprets a small set of shell utilities directly against the
// materialised root filesystem, so the full engine can be exercised without
// containerd. [Puller] serves images assembled in memory.
package testutil
