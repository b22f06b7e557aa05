package registry

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/cruciblehq/cruxflow/internal"
	"github.com/cruciblehq/cruxflow/internal/metrics"
)

// Reference prefixes for images stored in local archives.
const (
	OCIArchivePrefix    = "oci-archive:"    // Tar of an OCI image layout.
	DockerArchivePrefix = "docker-archive:" // Tarball written by docker save.
)

// Default number of retries for transient registry failures.
const defaultRetries = 3

// Resolves image references for the engine.
type Puller struct {
	keychain authn.Keychain   // Credentials for registries.
	retries  uint64           // Retries for transient failures.
	insecure bool             // Whether plain HTTP registries are allowed.
	metrics  *metrics.Metrics // Collectors, may be nil.
}

// Configures a [Puller].
type Option func(*Puller)

// Sets the credentials used for registries.
func WithKeychain(k authn.Keychain) Option {
	return func(p *Puller) {
		p.keychain = k
	}
}

// Sets the number of retries for transient failures.
func WithRetries(n uint64) Option {
	return func(p *Puller) {
		p.retries = n
	}
}

// Allows registries served over plain HTTP.
func WithInsecure(insecure bool) Option {
	return func(p *Puller) {
		p.insecure = insecure
	}
}

// Reports pulls to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Puller) {
		p.metrics = m
	}
}

// Creates a puller using the default keychain.
func NewPuller(opts ...Option) *Puller {
	p := &Puller{
		keychain: authn.DefaultKeychain,
		retries:  defaultRetries,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolves an image reference for a platform.
//
// References with the [OCIArchivePrefix] or [DockerArchivePrefix] are read
// from local archives; everything else is resolved against a registry.
// Registry requests are retried with exponential backoff unless the
// registry reports the image as missing or access as denied.
func (p *Puller) Pull(ctx context.Context, ref, platform string) (*Image, error) {
	plat, err := ParsePlatform(platform)
	if err != nil {
		return nil, err
	}

	var img *Image
	switch {
	case strings.HasPrefix(ref, OCIArchivePrefix):
		img, err = pullOCIArchive(ctx, ref, strings.TrimPrefix(ref, OCIArchivePrefix), plat)
	case strings.HasPrefix(ref, DockerArchivePrefix):
		img, err = pullDockerArchive(ref, strings.TrimPrefix(ref, DockerArchivePrefix))
	default:
		img, err = p.pullRemote(ctx, ref, plat)
	}

	p.metrics.ImagePulled(err)
	if err != nil {
		return nil, err
	}

	slog.Debug("image resolved", "ref", ref, "digest", img.Digest, "platform", FormatPlatform(img.Platform))
	return img, nil
}

// Resolves an image from a registry.
func (p *Puller) pullRemote(ctx context.Context, ref string, plat v1.Platform) (*Image, error) {
	var nameOpts []name.Option
	if p.insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	parsed, err := name.ParseReference(ref, nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}

	var img v1.Image
	operation := func() error {
		var err error
		img, err = remote.Image(parsed,
			remote.WithContext(ctx),
			remote.WithAuthFromKeychain(p.keychain),
			remote.WithPlatform(plat),
			remote.WithUserAgent(internal.UserAgent()),
		)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	notify := func(err error, wait time.Duration) {
		slog.Debug("retrying image pull", "ref", ref, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, p.retries), ctx), notify); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPull, ref, err)
	}

	return newImage(ref, img)
}

// Whether a registry error may succeed on retry.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			return false
		}
	}
	return true
}

// Reads an image from a tarball written by docker save.
func pullDockerArchive(ref, path string) (*Image, error) {
	img, err := tarball.ImageFromPath(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPull, ref, err)
	}
	return newImage(ref, img)
}

// Reads an image for a platform from a tar of an OCI image layout.
//
// The archive is unpacked into a temporary directory that is removed by
// [Image.Close].
func pullOCIArchive(ctx context.Context, ref, path string, plat v1.Platform) (*Image, error) {
	dir, err := os.MkdirTemp("", "cruxflow-oci-*")
	if err != nil {
		return nil, err
	}

	if err := untar(ctx, path, dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %s: %w", ErrPull, ref, err)
	}

	img, err := selectFromLayout(dir, plat)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %s: %w", ErrPull, ref, err)
	}

	i, err := newImage(ref, img)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %s: %w", ErrPull, ref, err)
	}
	i.cleanup = func() error {
		return os.RemoveAll(dir)
	}
	return i, nil
}

// Picks the image matching a platform from an OCI layout directory.
//
// Nested indexes are searched depth first. A single image without platform
// metadata is accepted as is.
func selectFromLayout(dir string, plat v1.Platform) (v1.Image, error) {
	idx, err := layout.ImageIndexFromPath(dir)
	if err != nil {
		return nil, err
	}
	return selectFromIndex(idx, plat)
}

func selectFromIndex(idx v1.ImageIndex, plat v1.Platform) (v1.Image, error) {
	manifest, err := idx.IndexManifest()
	if err != nil {
		return nil, err
	}

	var fallback []v1.Descriptor
	for _, desc := range manifest.Manifests {
		switch {
		case desc.MediaType.IsIndex():
			child, err := idx.ImageIndex(desc.Digest)
			if err != nil {
				return nil, err
			}
			if img, err := selectFromIndex(child, plat); err == nil {
				return img, nil
			}
		case desc.MediaType.IsImage():
			if desc.Platform == nil {
				fallback = append(fallback, desc)
				continue
			}
			if matches(plat, *desc.Platform) {
				return idx.Image(desc.Digest)
			}
		}
	}

	for _, desc := range fallback {
		img, err := idx.Image(desc.Digest)
		if err != nil {
			return nil, err
		}
		cf, err := img.ConfigFile()
		if err != nil {
			return nil, err
		}
		if cf.OS == "" || matches(plat, v1.Platform{OS: cf.OS, Architecture: cf.Architecture, Variant: cf.Variant}) {
			return img, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNoMatchingImage, FormatPlatform(plat))
}

// Extracts a tar archive into dir, rejecting entries that escape it.
func untar(ctx context.Context, path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes the archive root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
