package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"github.com/moby/locker"
)

const (
	locksDir          = ".locks"               // Directory of lock files, hidden from volume names.
	dirMode           = 0755                   // Permission mode of volume directories.
	lockRetryInterval = 100 * time.Millisecond // Poll interval while waiting for a file lock.
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Holds the cache volumes stored below a root directory.
type Manager struct {
	root  string         // Directory holding one subdirectory per volume.
	names *locker.Locker // In-process locks by volume name.
}

// Creates a manager rooted at the given directory, creating it if needed.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(root, locksDir), dirMode); err != nil {
		return nil, err
	}
	return &Manager{root: root, names: locker.New()}, nil
}

// Exclusive hold on a volume directory.
type Volume struct {
	Name string       // Volume name.
	Path string       // Host directory holding the contents.
	m    *Manager     // Owning manager.
	file *flock.Flock // Cross-process lock.
}

// Locks a volume, creating it empty on first use.
//
// Blocks until no other holder, in this or another process, has the volume.
// Waiting is abandoned when ctx is done.
func (m *Manager) Acquire(ctx context.Context, name string) (*Volume, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	if err := m.lock(ctx, name); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrLock, name, err)
	}

	file := flock.New(filepath.Join(m.root, locksDir, name))
	ok, err := file.TryLockContext(ctx, lockRetryInterval)
	if err != nil || !ok {
		m.names.Unlock(name)
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w %s: %w", ErrLock, name, err)
	}

	path := filepath.Join(m.root, name)
	if err := os.MkdirAll(path, dirMode); err != nil {
		file.Unlock()
		m.names.Unlock(name)
		return nil, err
	}

	slog.Debug("volume acquired", "name", name)
	return &Volume{Name: name, Path: path, m: m, file: file}, nil
}

// Takes the in-process lock on a volume name.
//
// When ctx is done first, the lock is released as soon as the pending
// acquisition completes.
func (m *Manager) lock(ctx context.Context, name string) error {
	locked := make(chan struct{})
	go func() {
		m.names.Lock(name)
		close(locked)
	}()

	select {
	case <-locked:
		return nil
	case <-ctx.Done():
		go func() {
			<-locked
			m.names.Unlock(name)
		}()
		return ctx.Err()
	}
}

// Locks several volumes at once.
//
// Names are deduplicated and locked in sorted order so concurrent callers
// cannot deadlock. On failure every volume acquired so far is released.
func (m *Manager) AcquireAll(ctx context.Context, names []string) ([]*Volume, error) {
	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)

	vols := make([]*Volume, 0, len(names))
	for _, name := range names {
		v, err := m.Acquire(ctx, name)
		if err != nil {
			return nil, errors.Join(err, ReleaseAll(vols))
		}
		vols = append(vols, v)
	}
	return vols, nil
}

// Releases the volume. Contents are left in place for the next holder.
func (v *Volume) Release() error {
	if v.file == nil {
		return nil
	}
	err := v.file.Unlock()
	v.file = nil
	v.m.names.Unlock(v.Name)
	slog.Debug("volume released", "name", v.Name)
	return err
}

// Releases every volume, collecting the errors.
func ReleaseAll(vols []*Volume) error {
	var result *multierror.Error
	for _, v := range vols {
		if err := v.Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Returns the names of existing volumes, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && validName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Deletes the contents of a volume once no one holds it. The lock file is
// kept since other processes may be waiting on it.
func (m *Manager) Remove(ctx context.Context, name string) error {
	v, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}

	var result *multierror.Error
	if err := os.RemoveAll(v.Path); err != nil {
		result = multierror.Append(result, err)
	}
	if err := v.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
