package archive

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DiskStore stores blobs as files named by key under a directory,
// writing through a temporary file and an atomic rename so a concurrent
// reader never observes a torn write (adapted from storage/disk.go).
type DiskStore struct {
	dir string
}

// NewDiskStore returns a DiskStore rooted at dir. dir is created lazily
// on first Put.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{dir: dir}
}

func (s *DiskStore) pathFor(k Key) string {
	return filepath.Join(s.dir, string(k))
}

func (s *DiskStore) Get(k Key) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(k))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "key=%q", k)
	}
	return b, errors.Wrap(err, "archive: disk get")
}

func (s *DiskStore) Put(k Key, v []byte) error {
	p := s.pathFor(k)
	tmp := p + ".new"
	if err := os.WriteFile(tmp, v, 0o644); err != nil {
		if !os.IsNotExist(err) {
			return errors.Wrap(err, "archive: disk put")
		}
		if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
			return errors.Wrap(err, "archive: disk put: mkdir")
		}
		if err := os.WriteFile(tmp, v, 0o644); err != nil {
			return errors.Wrap(err, "archive: disk put: retry")
		}
	}
	return errors.Wrap(os.Rename(tmp, p), "archive: disk put: rename")
}

func (s *DiskStore) Delete(k Key) error {
	err := os.Remove(s.pathFor(k))
	if os.IsNotExist(err) {
		return errors.Wrapf(ErrNotFound, "key=%q", k)
	}
	return errors.Wrap(err, "archive: disk delete")
}

func (s *DiskStore) ForEach(cb func(Key) error) error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "archive: disk foreach: readdir")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := cb(Key(e.Name())); err != nil {
			return err
		}
	}
	return nil
}
