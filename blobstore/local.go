package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore implements BlobStore on the local file system. Put writes
// to a temporary file and renames it into place, so readers observe
// either the old or the new blob, never a torn write.
type LocalStore struct {
	root string
}

var _ BlobStore = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at the given directory,
// creating it if necessary.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

// Put atomically replaces the blob under name.
func (s *LocalStore) Put(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.root, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("blobstore: create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("blobstore: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("blobstore: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blobstore: close %s: %w", name, err)
	}

	if err := os.Rename(tmpPath, filepath.Join(s.root, name)); err != nil {
		return fmt.Errorf("blobstore: rename %s: %w", name, err)
	}
	return nil
}

// Get reads the whole blob under name.
func (s *LocalStore) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, name)) //nolint:gosec // G304: root is store-owned
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes the blob under name.
func (s *LocalStore) Delete(name string) error {
	err := os.Remove(filepath.Join(s.root, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
