// Package snapstore moves saved index files to and from object storage.
//
// A snapshot is the byte-exact content of a file written by
// (*kmerindex.Table).SaveFile. Publish refuses files that were never
// completed, and Fetch only renames a download into place once its header
// loads cleanly, so a reader of dst never sees a partial index.
package snapstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tamirms/kmerindex"
	streamerrors "github.com/tamirms/kmerindex/errors"
)

// Store is a flat namespace of immutable snapshot objects.
//
// Get returns an error wrapping ErrSnapshotNotFound when name does not
// exist. Delete of a missing name is not an error.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
}

// ErrSnapshotNotFound is returned when a snapshot does not exist.
var ErrSnapshotNotFound = streamerrors.ErrSnapshotNotFound

// ValidateName rejects names that would escape a store's namespace.
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("snapstore: invalid snapshot name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("snapstore: invalid snapshot name %q", name)
		}
	}
	return nil
}

// Publish uploads the index file at path under name. Only completed files
// are published: the header must read back cleanly with the OK magic.
func Publish(ctx context.Context, store Store, name, path string) (kmerindex.Stats, error) {
	if err := ValidateName(name); err != nil {
		return kmerindex.Stats{}, err
	}
	st, err := kmerindex.ReadStats(path)
	if err != nil {
		return kmerindex.Stats{}, fmt.Errorf("snapstore: refusing to publish %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return kmerindex.Stats{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return kmerindex.Stats{}, err
	}
	if err := store.Put(ctx, name, f, info.Size()); err != nil {
		return kmerindex.Stats{}, fmt.Errorf("snapstore: put %s: %w", name, err)
	}
	return st, nil
}

// Fetch downloads snapshot name to dst. The download goes to dst+".tmp",
// is synced and header-checked, then renamed over dst.
func Fetch(ctx context.Context, store Store, name, dst string) (st kmerindex.Stats, err error) {
	if err := ValidateName(name); err != nil {
		return kmerindex.Stats{}, err
	}
	rc, err := store.Get(ctx, name)
	if err != nil {
		return kmerindex.Stats{}, err
	}
	defer rc.Close()

	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return kmerindex.Stats{}, err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return kmerindex.Stats{}, fmt.Errorf("snapstore: download %s: %w", name, err)
	}
	if err := errors.Join(f.Sync(), f.Close()); err != nil {
		return kmerindex.Stats{}, err
	}

	st, err = kmerindex.ReadStats(tmp)
	if err != nil {
		return kmerindex.Stats{}, fmt.Errorf("snapstore: fetched %s is not a usable index: %w", name, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return kmerindex.Stats{}, err
	}
	return st, nil
}

// LocalStore keeps snapshots as files under a directory.
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

// Put writes to a temporary sibling and renames it into place.
func (s *LocalStore) Put(ctx context.Context, name string, r io.Reader, size int64) (err error) {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	n, err := io.Copy(f, ctxReader{ctx: ctx, r: r})
	if err != nil {
		_ = f.Close()
		return err
	}
	if size >= 0 && n != size {
		_ = f.Close()
		return fmt.Errorf("snapstore: %s: wrote %d bytes, expected %d", name, n, size)
	}
	if err := errors.Join(f.Sync(), f.Close()); err != nil {
		return err
	}
	return os.Rename(f.Name(), p)
}

func (s *LocalStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
