// Package storage is the object store used for test packs, sources and diagnostics.
package storage

import (
	"context"
	"errors"
	"io"
)

var errNotFound = errors.New("object not found")

// ObjectStorage defines the object operations the judge needs.
type ObjectStorage interface {
	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// PutObject uploads sizeBytes from reader. A negative size streams until EOF.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, errNotFound) || errorsAsNotFound(err))
}
