package registry

import (
	"fmt"

	"github.com/containerd/platforms"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Parses a platform specifier such as "linux/arm64/v8".
//
// An empty specifier selects the host platform, normalised to linux for the
// operating system since every image the engine runs is a Linux image.
func ParsePlatform(s string) (v1.Platform, error) {
	var p ocispec.Platform
	if s == "" {
		p = platforms.DefaultSpec()
		p.OS = "linux"
	} else {
		parsed, err := platforms.Parse(s)
		if err != nil {
			return v1.Platform{}, fmt.Errorf("%w: %w", ErrInvalidPlatform, err)
		}
		p = parsed
	}
	p = platforms.Normalize(p)
	return v1.Platform{
		OS:           p.OS,
		Architecture: p.Architecture,
		Variant:      p.Variant,
	}, nil
}

// Formats a platform as a specifier.
func FormatPlatform(p v1.Platform) string {
	return platforms.Format(ocispec.Platform{
		OS:           p.OS,
		Architecture: p.Architecture,
		Variant:      p.Variant,
	})
}

// Whether an image built for have can run where want is required.
func matches(want, have v1.Platform) bool {
	return platforms.Only(ocispec.Platform{
		OS:           want.OS,
		Architecture: want.Architecture,
		Variant:      want.Variant,
	}).Match(ocispec.Platform{
		OS:           have.OS,
		Architecture: have.Architecture,
		Variant:      have.Variant,
	})
}
