package task

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"ojudge/internal/common/storage"
	appErr "ojudge/pkg/errors"
)

type fakeLock struct {
	mu      sync.Mutex
	owners  map[string]string
	unlocks int
}

func newFakeLock() *fakeLock {
	return &fakeLock{owners: make(map[string]string)}
}

func (l *fakeLock) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.owners[key]; ok {
		return false, nil
	}
	l.owners[key] = owner
	return true, nil
}

func (l *fakeLock) Unlock(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[key] == owner {
		delete(l.owners, key)
		l.unlocks++
	}
	return nil
}

func (l *fakeLock) ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) error {
	return nil
}

func buildPack(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer failed: %v", err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header failed: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write entry failed: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd failed: %v", err)
	}
	return buf.Bytes()
}

func putObject(t *testing.T, s storage.ObjectStorage, key string, data []byte) {
	t.Helper()
	if err := s.PutObject(context.Background(), "tasks", key, bytes.NewReader(data), int64(len(data)), "application/octet-stream"); err != nil {
		t.Fatalf("put %s failed: %v", key, err)
	}
}

func newPackRepo(t *testing.T) (*PackRepository, *storage.LocalStorage, *fakeLock) {
	t.Helper()
	objects, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("local storage failed: %v", err)
	}
	lock := newFakeLock()
	repo, err := NewPackRepository(PackConfig{Bucket: "tasks", CacheDir: t.TempDir()}, objects, lock)
	if err != nil {
		t.Fatalf("new pack repository failed: %v", err)
	}
	return repo, objects, lock
}

func TestPackRepositoryFetchesAndCaches(t *testing.T) {
	t.Parallel()
	repo, objects, lock := newPackRepo(t)
	pack := buildPack(t, map[string]string{
		"input0.txt":  "3 4",
		"output0.txt": "7",
	})
	putObject(t, objects, "sum.tar.zst", pack)
	sum := sha256.Sum256(pack)
	putObject(t, objects, "sum.sha256", []byte(hex.EncodeToString(sum[:])+"  sum.tar.zst\n"))

	ctx := context.Background()
	spec, err := repo.Load(ctx, "sum")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if spec.TestCount != 1 || string(spec.Tests[0].Expected) != "7" {
		t.Fatalf("unexpected task %+v", spec)
	}
	if lock.unlocks != 1 {
		t.Fatalf("expected lock released once, got %d", lock.unlocks)
	}

	if _, err := repo.Load(ctx, "sum"); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if lock.unlocks != 1 {
		t.Fatalf("expected cached pack to skip download, got %d unlocks", lock.unlocks)
	}
}

func TestPackRepositoryRejectsChecksumMismatch(t *testing.T) {
	t.Parallel()
	repo, objects, _ := newPackRepo(t)
	putObject(t, objects, "sum.tar.zst", buildPack(t, map[string]string{"input0.txt": "1", "output0.txt": "1"}))
	putObject(t, objects, "sum.sha256", []byte("deadbeef"))

	_, err := repo.Load(context.Background(), "sum")
	if !appErr.Is(err, appErr.TaskPackCorrupt) {
		t.Fatalf("expected TaskPackCorrupt, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(repo.cfg.CacheDir, "sum")); !os.IsNotExist(statErr) {
		t.Fatalf("expected no cached dir after failure, got %v", statErr)
	}
}

func TestPackRepositoryRejectsEscapingEntries(t *testing.T) {
	t.Parallel()
	repo, objects, _ := newPackRepo(t)
	putObject(t, objects, "evil.tar.zst", buildPack(t, map[string]string{"../escape.txt": "x"}))

	_, err := repo.Load(context.Background(), "evil")
	if !appErr.Is(err, appErr.TaskPackCorrupt) {
		t.Fatalf("expected TaskPackCorrupt, got %v", err)
	}
}

func TestPackRepositoryMissingPack(t *testing.T) {
	t.Parallel()
	repo, _, _ := newPackRepo(t)
	_, err := repo.Load(context.Background(), "nothing")
	if !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("expected TaskNotFound, got %v", err)
	}
}
