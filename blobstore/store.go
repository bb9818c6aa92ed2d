// Package blobstore abstracts whole-blob storage for the snapshot side
// files (node metadata, text table). Blobs are replaced atomically as a
// unit; there is no partial update.
package blobstore

import "os"

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore stores named immutable blobs.
type BlobStore interface {
	// Put atomically replaces the blob under name.
	Put(name string, data []byte) error
	// Get reads the whole blob under name.
	Get(name string) ([]byte, error)
	// Delete removes the blob under name. Deleting a missing blob is
	// not an error.
	Delete(name string) error
}
