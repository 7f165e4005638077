// Package archive implements D1 from SPEC_FULL.md: an optional
// content-addressable cache that a root session may populate, keyed by
// the SHA-256 content digest already computed for every FileHeader.
// This does not change the wire protocol; it is purely a root-side
// dedup/backup layer. Adapted from the teacher's storage.Store
// interface and its disk/S3 backends (storage/store.go, storage/disk.go,
// storage/s3.go).
package archive

import "errors"

// ErrNotFound is returned by Get for a key with no stored value.
var ErrNotFound = errors.New("archive: not found")

// Key is a content digest as produced by internal/digest.Hash: lowercase
// hex SHA-256.
type Key string

// Store is a content-addressable blob store.
type Store interface {
	Get(Key) ([]byte, error)
	Put(Key, []byte) error
	Delete(Key) error
	ForEach(func(Key) error) error
}
