package cas

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Default permission bits for directories synthesised by tree operations.
const defaultDirPerm fs.FileMode = 0755

// Type of a tree entry.
type EntryType string

const (
	TypeDir     EntryType = "dir"     // Directory.
	TypeFile    EntryType = "file"    // Regular file, contents in the store.
	TypeSymlink EntryType = "symlink" // Symbolic link.
)

// One filesystem object in a [Tree].
type Entry struct {
	Path   string        `json:"path"`             // Slash-separated path relative to the tree root.
	Type   EntryType     `json:"type"`             // Object type.
	Mode   fs.FileMode   `json:"mode"`             // Permission bits.
	Size   int64         `json:"size,omitempty"`   // Content size of regular files.
	Digest digest.Digest `json:"digest,omitempty"` // Content digest of regular files.
	Target string        `json:"target,omitempty"` // Link target of symlinks.
}

// Returns the file mode bits for a tree entry as used by [fs.FileInfo].
func (e Entry) FileMode() fs.FileMode {
	switch e.Type {
	case TypeDir:
		return e.Mode | fs.ModeDir
	case TypeSymlink:
		return e.Mode | fs.ModeSymlink
	default:
		return e.Mode
	}
}

// Canonical manifest of a filesystem snapshot.
//
// Entries are sorted by path, unique, and every ancestor directory of every
// entry is present. The root directory itself is implicit. Trees are values:
// every operation returns a new tree and leaves its inputs untouched.
type Tree struct {
	Entries []Entry `json:"entries"` // Sorted entries.
}

// Creates a canonical tree from an arbitrary list of entries.
//
// Paths are cleaned and entries are applied in order, as an archive would be
// extracted: a later entry replaces an earlier one with the same path, a file
// or symlink removes everything below its path, and an ancestor held as a
// non-directory is replaced by a directory. Missing ancestors are added.
func NewTree(entries []Entry) (*Tree, error) {
	byPath := make(map[string]Entry, len(entries))
	for _, e := range entries {
		p, err := CleanPath(e.Path)
		if err != nil {
			return nil, err
		}
		if p == "" {
			continue
		}
		e.Path = p
		e.Mode = e.Mode.Perm() | (e.Mode & (fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky))
		put(byPath, e)
	}
	return fromMap(byPath), nil
}

// Returns an empty tree.
func EmptyTree() *Tree {
	return &Tree{Entries: []Entry{}}
}

// Cleans a container path into the relative form used by trees.
//
// Absolute and relative inputs are both interpreted from the root; the root
// itself is the empty string. Paths that escape the root are rejected.
func CleanPath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	raw := strings.TrimPrefix(p, "/")
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, p)
		}
	}
	cleaned := path.Clean("/" + raw)
	return strings.TrimPrefix(cleaned, "/"), nil
}

// Finds the entry at the given path.
func (t *Tree) Lookup(p string) (Entry, bool) {
	p, err := CleanPath(p)
	if err != nil || p == "" {
		return Entry{Path: "", Type: TypeDir, Mode: defaultDirPerm}, err == nil
	}
	i, ok := slices.BinarySearchFunc(t.Entries, p, func(e Entry, target string) int {
		return strings.Compare(e.Path, target)
	})
	if !ok {
		return Entry{}, false
	}
	return t.Entries[i], true
}

// Returns the digests of all file contents referenced by the tree.
func (t *Tree) Blobs() []digest.Digest {
	var out []digest.Digest
	for _, e := range t.Entries {
		if e.Type == TypeFile && e.Digest != "" {
			out = append(out, e.Digest)
		}
	}
	return out
}

// Stores the tree manifest and returns its digest.
func SaveTree(ctx context.Context, s Store, t *Tree) (digest.Digest, error) {
	return PutJSON(ctx, s, t)
}

// Loads a tree manifest.
func LoadTree(ctx context.Context, s Store, dgst digest.Digest) (*Tree, error) {
	var t Tree
	if err := ReadJSON(ctx, s, dgst, &t); err != nil {
		return nil, err
	}
	if t.Entries == nil {
		t.Entries = []Entry{}
	}
	return &t, nil
}

// Places src at the directory at inside base.
//
// Entries of src replace entries of base with the same path. A file or
// symlink of src removes everything base held below its path, and any
// ancestor that base held as a non-directory is replaced by a directory.
// The directory at is created when missing.
func Overlay(base, src *Tree, at string) (*Tree, error) {
	at, err := CleanPath(at)
	if err != nil {
		return nil, err
	}

	byPath := toMap(base)

	if at != "" {
		if e, ok := byPath[at]; !ok || e.Type != TypeDir {
			removeBelow(byPath, at)
			put(byPath, Entry{Path: at, Type: TypeDir, Mode: defaultDirPerm})
		}
	}

	for _, e := range src.Entries {
		e.Path = joinPath(at, e.Path)
		put(byPath, e)
	}

	return fromMap(byPath), nil
}

// Adds or replaces a single entry.
func WithEntry(base *Tree, e Entry) (*Tree, error) {
	p, err := CleanPath(e.Path)
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, fmt.Errorf("%w: cannot replace the root", ErrInvalidPath)
	}
	e.Path = p
	return Overlay(base, &Tree{Entries: []Entry{e}}, "")
}

// Returns the tree rooted at the directory p.
func Subtree(t *Tree, p string) (*Tree, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	if p == "" {
		return &Tree{Entries: slices.Clone(t.Entries)}, nil
	}

	e, ok := t.Lookup(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if e.Type != TypeDir {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, p)
	}

	prefix := p + "/"
	out := &Tree{Entries: []Entry{}}
	for _, e := range t.Entries {
		if rel, ok := strings.CutPrefix(e.Path, prefix); ok {
			e.Path = rel
			out.Entries = append(out.Entries, e)
		}
	}
	return out, nil
}

// Returns the tree without everything below the given paths.
//
// The paths themselves are kept, so mount points survive as empty
// directories.
func Without(t *Tree, paths ...string) (*Tree, error) {
	byPath := toMap(t)
	for _, p := range paths {
		p, err := CleanPath(p)
		if err != nil {
			return nil, err
		}
		if p == "" {
			return EmptyTree(), nil
		}
		removeBelow(byPath, p)
	}
	return fromMap(byPath), nil
}

// Returns the entries directly below the directory p, sorted by name.
func ReadDir(t *Tree, p string) ([]Entry, error) {
	sub, err := Subtree(t, p)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range sub.Entries {
		if !strings.Contains(e.Path, "/") {
			out = append(out, e)
		}
	}
	return out, nil
}

// Indexes the entries of a tree by path.
func toMap(t *Tree) map[string]Entry {
	m := make(map[string]Entry, len(t.Entries))
	for _, e := range t.Entries {
		m[e.Path] = e
	}
	return m
}

// Builds a canonical tree from entries indexed by path.
func fromMap(m map[string]Entry) *Tree {
	for p := range m {
		for _, anc := range ancestors(p) {
			if _, ok := m[anc]; !ok {
				m[anc] = Entry{Path: anc, Type: TypeDir, Mode: defaultDirPerm}
			}
		}
	}
	entries := make([]Entry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return &Tree{Entries: entries}
}

// Stores e, replacing whatever its path and ancestors conflict with.
func put(m map[string]Entry, e Entry) {
	if e.Type != TypeDir {
		removeBelow(m, e.Path)
	}
	for _, anc := range ancestors(e.Path) {
		if a, ok := m[anc]; ok && a.Type != TypeDir {
			removeBelow(m, anc)
			m[anc] = Entry{Path: anc, Type: TypeDir, Mode: defaultDirPerm}
		}
	}
	m[e.Path] = e
}

// Deletes every entry strictly below p.
func removeBelow(m map[string]Entry, p string) {
	prefix := p + "/"
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			delete(m, k)
		}
	}
}

// Returns the proper ancestors of p, outermost first.
func ancestors(p string) []string {
	var out []string
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}

// Joins a relative entry path below a directory.
func joinPath(dir, p string) string {
	if dir == "" {
		return p
	}
	if p == "" {
		return dir
	}
	return dir + "/" + p
}
