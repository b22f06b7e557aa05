package registry

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Archive format written by [Export].
type Format string

const (
	FormatOCI    Format = "oci"    // Tar of an OCI image layout.
	FormatDocker Format = "docker" // Tarball loadable with docker load.
)

// Tag recorded in exported archives when none is given.
const defaultExportTag = "cruxflow.local/export:latest"

// OCI annotation naming an image inside a layout.
const refNameAnnotation = "org.opencontainers.image.ref.name"

// Describes the image written by [Export].
type ExportOptions struct {
	Tag      string // Image name recorded in the archive.
	Platform string // Platform of the image, defaults to the host.
	Config   Config // Runtime settings.
	Format   Format // Archive format, defaults to [FormatOCI].
}

// Writes a single-layer image archive to path.
//
// The layer is read from rootfs, which must return a tar stream of the
// complete filesystem each time it is called.
func Export(ctx context.Context, path string, rootfs func() (io.ReadCloser, error), opts ExportOptions) error {
	img, err := buildImage(rootfs, opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}

	tag := opts.Tag
	if tag == "" {
		tag = defaultExportTag
	}

	switch opts.Format {
	case FormatDocker:
		ref, err := name.NewTag(tag)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidReference, err)
		}
		err = tarball.WriteToFile(path, ref, img)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrExport, err)
		}

	case FormatOCI, "":
		if err := writeOCIArchive(ctx, path, img, tag, opts.Platform); err != nil {
			return fmt.Errorf("%w: %w", ErrExport, err)
		}

	default:
		return fmt.Errorf("%w: unknown format %q", ErrExport, opts.Format)
	}

	slog.Info("image exported", "path", path, "tag", tag)
	return nil
}

// Assembles the image from the rootfs layer and the runtime settings.
func buildImage(rootfs func() (io.ReadCloser, error), opts ExportOptions) (v1.Image, error) {
	plat, err := ParsePlatform(opts.Platform)
	if err != nil {
		return nil, err
	}

	layer, err := tarball.LayerFromOpener(rootfs)
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
	cf.Config.Env = slices.Clone(opts.Config.Env)
	cf.Config.WorkingDir = opts.Config.WorkingDir
	cf.Config.Entrypoint = slices.Clone(opts.Config.Entrypoint)
	cf.Config.Cmd = slices.Clone(opts.Config.Cmd)

	return mutate.ConfigFile(img, cf)
}

// Writes an OCI image layout holding img and archives it at path.
func writeOCIArchive(ctx context.Context, path string, img v1.Image, tag, platform string) error {
	plat, err := ParsePlatform(platform)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "cruxflow-layout-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	lp, err := layout.Write(dir, empty.Index)
	if err != nil {
		return err
	}
	err = lp.AppendImage(img,
		layout.WithPlatform(plat),
		layout.WithAnnotations(map[string]string{refNameAnnotation: tag}),
	)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tarDir(ctx, dir, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Archives the contents of dir.
func tarDir(ctx context.Context, dir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
