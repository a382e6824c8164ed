package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage keeps objects as files under root/<bucket>/<key>.
// It backs single-node deployments and tests.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage root failed: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

func (s *LocalStorage) path(bucket, objectKey string) (string, error) {
	clean := filepath.Clean(filepath.Join(bucket, filepath.FromSlash(objectKey)))
	if bucket == "" || !strings.HasPrefix(clean, filepath.Clean(bucket)+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", objectKey)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *LocalStorage) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	p, err := s.path(bucket, objectKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("local get object failed: %w", errNotFound)
		}
		return nil, fmt.Errorf("local get object failed: %w", err)
	}
	return f, nil
}

func (s *LocalStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	p, err := s.path(bucket, objectKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("local put object failed: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("local put object failed: %w", err)
	}
	defer os.Remove(tmp.Name())
	src := reader
	if sizeBytes >= 0 {
		src = io.LimitReader(reader, sizeBytes)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("local put object failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local put object failed: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("local put object failed: %w", err)
	}
	return nil
}

func (s *LocalStorage) StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error) {
	p, err := s.path(bucket, objectKey)
	if err != nil {
		return ObjectStat{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectStat{}, fmt.Errorf("local stat object failed: %w", errNotFound)
		}
		return ObjectStat{}, fmt.Errorf("local stat object failed: %w", err)
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return ObjectStat{}, fmt.Errorf("local stat object failed: %w", err)
	}
	return ObjectStat{SizeBytes: n, ETag: hex.EncodeToString(h.Sum(nil))}, nil
}

var _ ObjectStorage = (*LocalStorage)(nil)
