package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"ojudge/internal/common/storage"
	appErr "ojudge/pkg/errors"
)

const defaultMaxSourceBytes int64 = 256 << 10

// SourceFetcher loads submitted sources uploaded to object storage.
type SourceFetcher struct {
	objects  storage.ObjectStorage
	bucket   string
	maxBytes int64
}

// NewSourceFetcher creates a fetcher. maxBytes <= 0 uses the default limit.
func NewSourceFetcher(objects storage.ObjectStorage, bucket string, maxBytes int64) *SourceFetcher {
	if maxBytes <= 0 {
		maxBytes = defaultMaxSourceBytes
	}
	return &SourceFetcher{objects: objects, bucket: bucket, maxBytes: maxBytes}
}

// Fetch downloads the source at key and checks it against expectedHash when given.
func (f *SourceFetcher) Fetch(ctx context.Context, key, expectedHash string) (string, error) {
	if key == "" {
		return "", appErr.ValidationError("source_key", "required")
	}
	if f.objects == nil {
		return "", appErr.New(appErr.StorageError).WithMessage("source storage is not configured")
	}
	reader, err := f.objects.GetObject(ctx, f.bucket, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", appErr.Newf(appErr.NotFound, "source %s not found", key)
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "download source failed")
	}
	defer reader.Close()

	hasher := sha256.New()
	data, err := io.ReadAll(io.TeeReader(io.LimitReader(reader, f.maxBytes+1), hasher))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "read source failed")
	}
	if int64(len(data)) > f.maxBytes {
		return "", appErr.Newf(appErr.CodeTooLarge, "source exceeds %d bytes", f.maxBytes)
	}
	if expectedHash != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, expectedHash) {
			return "", appErr.New(appErr.ValidationFailed).WithMessage("source hash mismatch")
		}
	}
	return string(data), nil
}
