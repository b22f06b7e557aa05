package testutil

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/cruciblehq/cruxflow/internal/registry"
)

// Contents of a fake image.
type Image struct {
	Files    map[string]string // File contents by path.
	Symlinks map[string]string // Symlink targets by path.
	Config   registry.Config   // Runtime settings.
}

// Serves images assembled in memory.
type Puller struct {
	mu     sync.Mutex
	images map[string]Image // Images by reference.
	pulls  map[string]int   // Pull count by reference.
}

// Creates a puller serving the given images.
func NewPuller(images map[string]Image) *Puller {
	return &Puller{images: images, pulls: make(map[string]int)}
}

// Returns how often ref was pulled.
func (p *Puller) Pulls(ref string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulls[ref]
}

// Resolves a reference to one of the configured images.
func (p *Puller) Pull(ctx context.Context, ref, platform string) (*registry.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plat, err := registry.ParsePlatform(platform)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	def, ok := p.images[ref]
	p.pulls[ref]++
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s: not found", registry.ErrPull, ref)
	}

	layerTar, err := tarFiles(def.Files, def.Symlinks)
	if err != nil {
		return nil, err
	}
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(layerTar)), nil
	})
	if err != nil {
		return nil, err
	}
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return nil, err
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cf = cf.DeepCopy()
	cf.OS = plat.OS
	cf.Architecture = plat.Architecture
	cf.Variant = plat.Variant
	cf.Config.Env = slices.Clone(def.Config.Env)
	cf.Config.WorkingDir = def.Config.WorkingDir
	cf.Config.Entrypoint = slices.Clone(def.Config.Entrypoint)
	cf.Config.Cmd = slices.Clone(def.Config.Cmd)
	img, err = mutate.ConfigFile(img, cf)
	if err != nil {
		return nil, err
	}

	return registry.FromV1(ref, img)
}

// Builds a layer tar holding files and symlinks in path order.
func tarFiles(files, links map[string]string) ([]byte, error) {
	paths := make([]string, 0, len(files)+len(links))
	for p := range files {
		paths = append(paths, p)
	}
	for p := range links {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range paths {
		if target, ok := links[p]; ok {
			hdr := &tar.Header{Name: p, Mode: 0777, Linkname: target, Typeflag: tar.TypeSymlink}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
			continue
		}
		hdr := &tar.Header{
			Name:     p,
			Mode:     0644,
			Size:     int64(len(files[p])),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(tw, files[p]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
