package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
	"github.com/cruciblehq/cruxflow/pipeline"
)

// Executes a copy operation, transferring files into the container.
//
// The copy string has the format "src dest" for host copies, or "stage:src
// dest" for cross-stage copies. Host sources are resolved relative to the
// build context. Cross-stage sources are read from a named stage's
// filesystem. The source is copied as dest: a directory's contents end up
// below dest, a file is written to dest.
func (sb *stageBuild) executeCopy(ctx context.Context, ctr *pipeline.Container, copyStr, workdir string) (*pipeline.Container, error) {
	src, dest, err := parseCopy(copyStr, workdir)
	if err != nil {
		return nil, errdefs.Wrap(ErrCopy, err)
	}

	// Cross-stage copy: "stage:path".
	if stage, p, ok := parseStageCopy(src); ok {
		return sb.executeStageCopy(ctx, ctr, stage, p, dest)
	}

	return sb.executeHostCopy(ctr, src, dest)
}

// Copies a file or directory from the build context into the container.
func (sb *stageBuild) executeHostCopy(ctr *pipeline.Container, src, dest string) (*pipeline.Container, error) {
	if !filepath.IsAbs(src) {
		src = filepath.Join(sb.root, src)
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, errdefs.Wrap(ErrCopy, err)
	}

	slog.Debug("copy", "src", src, "dest", dest, "dir", info.IsDir())

	if info.IsDir() {
		dir := sb.s.Host().Directory(src)
		if err := dir.Err(); err != nil {
			return nil, errdefs.Wrap(ErrCopy, err)
		}
		return ctr.WithDirectory(dest, dir), nil
	}

	f := sb.s.Host().File(src)
	if err := f.Err(); err != nil {
		return nil, errdefs.Wrap(ErrCopy, err)
	}
	return ctr.WithFile(dest, f), nil
}

// Copies a path from a named stage into the container.
//
// The source is tried as a directory first and as a file when it is not
// one.
func (sb *stageBuild) executeStageCopy(ctx context.Context, ctr *pipeline.Container, stage, p, dest string) (*pipeline.Container, error) {
	srcCtr, ok := sb.named[stage]
	if !ok {
		return nil, errdefs.Wrapf(ErrCopy, "unknown stage %q", stage)
	}
	if !path.IsAbs(p) {
		return nil, errdefs.Wrapf(ErrCopy, "stage path %q must be absolute", p)
	}

	slog.Debug("cross-stage copy", "stage", stage, "src", p, "dest", dest)

	dir := srcCtr.Directory(p)
	_, err := dir.Sync(ctx)
	if err == nil {
		return ctr.WithDirectory(dest, dir), nil
	}
	if !errors.Is(err, pipeline.ErrResolution) {
		return nil, errdefs.Wrap(ErrCopy, err)
	}

	f, err := srcCtr.File(p).Sync(ctx)
	if err != nil {
		return nil, errdefs.Wrapf(ErrCopy, "%s:%s: %w", stage, p, err)
	}
	return ctr.WithFile(dest, f), nil
}

// Parses a cross-stage copy source of the form "stage:path".
//
// Returns the stage name, the path within the stage, and true if the source
// matches the cross-stage format. Returns false if it is a regular host path.
func parseStageCopy(src string) (stage, p string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 {
		return "", "", false
	}

	// A colon after a path separator is not a stage prefix (e.g. "/foo:bar").
	if strings.ContainsRune(src[:i], '/') {
		return "", "", false
	}

	return src[:i], src[i+1:], true
}

// Parses a copy string into source and destination paths.
//
// The string must contain exactly two whitespace-separated tokens. If dest
// is not absolute, it is joined with workdir.
func parseCopy(s, workdir string) (src, dest string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected source and destination, got %q", s)
	}

	src = parts[0]
	dest = parts[1]

	if !path.IsAbs(dest) {
		if workdir == "" {
			return "", "", fmt.Errorf("relative dest %q requires workdir", dest)
		}
		dest = path.Join(workdir, dest)
	}

	return src, path.Clean(dest), nil
}
