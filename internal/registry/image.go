package registry

import (
	"fmt"
	"io"
	"slices"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
)

// Runtime settings recorded in an image config.
type Config struct {
	Env        []string // Environment in KEY=value form.
	WorkingDir string   // Working directory of processes.
	Entrypoint []string // Entrypoint of the image.
	Cmd        []string // Default arguments.
}

// Resolved image for a single platform.
type Image struct {
	Reference string       // Reference the image was resolved from.
	Digest    string       // Manifest digest.
	Platform  v1.Platform  // Platform of the image.
	Config    Config       // Runtime settings.
	img       v1.Image     // Underlying image.
	cleanup   func() error // Releases local resources, may be nil.
}

// Wraps a go-containerregistry image.
func newImage(ref string, img v1.Image) (*Image, error) {
	h, err := img.Digest()
	if err != nil {
		return nil, err
	}
	cf, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	return &Image{
		Reference: ref,
		Digest:    h.String(),
		Platform: v1.Platform{
			OS:           cf.OS,
			Architecture: cf.Architecture,
			Variant:      cf.Variant,
		},
		Config: Config{
			Env:        slices.Clone(cf.Config.Env),
			WorkingDir: cf.Config.WorkingDir,
			Entrypoint: slices.Clone(cf.Config.Entrypoint),
			Cmd:        slices.Clone(cf.Config.Cmd),
		},
		img: img,
	}, nil
}

// Wraps an in-memory image. Intended for images assembled by the caller,
// such as test fixtures.
func FromV1(ref string, img v1.Image) (*Image, error) {
	i, err := newImage(ref, img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPull, err)
	}
	return i, nil
}

// Returns the flattened filesystem of the image as a tar stream.
//
// Layers are applied in order and whiteouts are resolved, so the stream
// describes the final filesystem. Layer contents are fetched lazily while
// the stream is read.
func (i *Image) Filesystem() io.ReadCloser {
	return mutate.Extract(i.img)
}

// Releases local resources held by the image. The image must not be used
// afterwards.
func (i *Image) Close() error {
	if i.cleanup == nil {
		return nil
	}
	err := i.cleanup()
	i.cleanup = nil
	return err
}
