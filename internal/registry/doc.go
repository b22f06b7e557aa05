// Resolves container images and writes image archives.
//
// A [Puller] turns a reference into an [Image] whose flattened filesystem
// the engine ingests as a tree. References name a registry image or a local
// archive:
//
//	docker.io/library/alpine:3.20      registry image
//	oci-archive:/path/to/image.tar     tar of an OCI image layout
//	docker-archive:/path/to/image.tar  tarball written by docker save
//
// Registry pulls are retried with exponential backoff. Responses that cannot
// change on retry, such as a missing manifest or denied access, fail at once.
//
// [Export] performs the reverse: it packs a root filesystem into a
// single-layer image and writes it as an OCI or Docker archive that
// [Puller.Pull] can read back.
package registry
