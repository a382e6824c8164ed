package task

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"ojudge/internal/common/cache"
	"ojudge/internal/common/storage"
	"ojudge/internal/judge/model"
	appErr "ojudge/pkg/errors"
)

const (
	packSuffix     = ".tar.zst"
	checksumSuffix = ".sha256"
	metaFileName   = ".pack-meta.json"
	tempFileName   = ".pack.tmp"
	lockKeyPrefix  = "judge:taskpack:lock:"
)

// PackConfig configures the local cache of task packs.
type PackConfig struct {
	Bucket     string        `yaml:"bucket"`
	CacheDir   string        `yaml:"cacheDir"`
	TTL        time.Duration `yaml:"ttl"`
	LockTTL    time.Duration `yaml:"lockTTL"`
	LockWait   time.Duration `yaml:"lockWait"`
	MaxEntries int           `yaml:"maxEntries"`
	MaxBytes   int64         `yaml:"maxBytes"`
}

func (c *PackConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.LockWait <= 0 {
		c.LockWait = 30 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 64
	}
}

type packMeta struct {
	TaskID string `json:"task_id"`
	ETag   string `json:"etag"`
	SHA256 string `json:"sha256,omitempty"`
}

type cacheEntry struct {
	path      string
	etag      string
	sizeBytes int64
	expiresAt time.Time
}

// PackRepository fetches <task_id>.tar.zst from object storage, unpacks it
// into a local cache shared by all workers on the host and reads it like a
// FileRepository. A Redis lock keeps concurrent workers from unpacking the same pack.
type PackRepository struct {
	cfg     PackConfig
	storage storage.ObjectStorage
	lock    cache.LockOps

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lruKeys   []string
	totalSize int64
}

// NewPackRepository creates a pack-backed repository.
func NewPackRepository(cfg PackConfig, objects storage.ObjectStorage, lock cache.LockOps) (*PackRepository, error) {
	cfg.applyDefaults()
	if cfg.Bucket == "" {
		return nil, appErr.ValidationError("bucket", "required")
	}
	if cfg.CacheDir == "" {
		return nil, appErr.ValidationError("cache_dir", "required")
	}
	if objects == nil || lock == nil {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("pack repository dependencies are not initialized")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "create pack cache dir failed")
	}
	return &PackRepository{
		cfg:     cfg,
		storage: objects,
		lock:    lock,
		entries: make(map[string]*cacheEntry),
	}, nil
}

// Load makes sure the task's pack is unpacked locally, then reads it.
func (r *PackRepository) Load(ctx context.Context, taskID string) (model.TaskSpec, error) {
	dir, err := r.Fetch(ctx, taskID)
	if err != nil {
		return model.TaskSpec{}, err
	}
	return LoadDir(ctx, dir, taskID)
}

// Fetch returns the local directory of an unpacked task pack.
func (r *PackRepository) Fetch(ctx context.Context, taskID string) (string, error) {
	if err := validateTaskID(taskID); err != nil {
		return "", err
	}
	path := filepath.Join(r.cfg.CacheDir, taskID)
	if r.hitEntry(taskID) {
		return path, nil
	}

	stat, err := r.storage.StatObject(ctx, r.cfg.Bucket, taskID+packSuffix)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", appErr.Newf(appErr.TaskNotFound, "task %s not found", taskID)
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "stat task pack failed")
	}
	if r.checkDisk(path, stat.ETag) {
		r.addEntry(taskID, path, stat.ETag)
		return path, nil
	}
	if err := r.fetchAndExtract(ctx, taskID, path, stat.ETag); err != nil {
		return "", err
	}
	r.addEntry(taskID, path, stat.ETag)
	return path, nil
}

func (r *PackRepository) hitEntry(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		// Expired entries are revalidated against the object ETag, not deleted.
		return false
	}
	r.touchLocked(key)
	return true
}

func (r *PackRepository) checkDisk(path, etag string) bool {
	data, err := os.ReadFile(filepath.Join(path, metaFileName))
	if err != nil {
		return false
	}
	var stored packMeta
	if err := json.Unmarshal(data, &stored); err != nil {
		return false
	}
	return stored.ETag == etag
}

func (r *PackRepository) fetchAndExtract(ctx context.Context, taskID, path, etag string) error {
	lockKey := lockKeyPrefix + taskID
	owner := uuid.NewString()
	locked, err := r.lock.TryLock(ctx, lockKey, owner, r.cfg.LockTTL)
	if err != nil {
		return appErr.Wrapf(err, appErr.LockFailed, "acquire task pack lock failed")
	}
	if !locked {
		return r.waitForPack(ctx, path, etag)
	}
	defer func() {
		_ = r.lock.Unlock(context.WithoutCancel(ctx), lockKey, owner)
	}()

	if r.checkDisk(path, etag) {
		return nil
	}

	// Unpack beside the final directory and swap it in, so readers never see a half-written pack.
	staging := path + ".staging-" + owner
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create staging dir failed")
	}
	defer os.RemoveAll(staging)

	tempPath := filepath.Join(staging, tempFileName)
	sum, err := r.download(ctx, taskID, tempPath)
	if err != nil {
		return err
	}
	// Downloads of large packs can eat most of the lock TTL.
	if err := r.lock.ExtendLock(ctx, lockKey, owner, r.cfg.LockTTL); err != nil {
		return appErr.Wrapf(err, appErr.LockFailed, "extend task pack lock failed")
	}
	if err := extractPack(tempPath, staging); err != nil {
		return err
	}
	_ = os.Remove(tempPath)

	metaBytes, _ := json.Marshal(packMeta{TaskID: taskID, ETag: etag, SHA256: sum})
	if err := os.WriteFile(filepath.Join(staging, metaFileName), metaBytes, 0o644); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "write pack meta failed")
	}
	if err := os.RemoveAll(path); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "cleanup cache dir failed")
	}
	if err := os.Rename(staging, path); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "publish task pack failed")
	}
	return nil
}

func (r *PackRepository) waitForPack(ctx context.Context, path, etag string) error {
	deadline := time.Now().Add(r.cfg.LockWait)
	for {
		if r.checkDisk(path, etag) {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.New(appErr.LockFailed).WithMessage("wait for task pack timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// download streams the pack to dstPath and checks it against <task_id>.sha256 when present.
func (r *PackRepository) download(ctx context.Context, taskID, dstPath string) (string, error) {
	reader, err := r.storage.GetObject(ctx, r.cfg.Bucket, taskID+packSuffix)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "download task pack failed")
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "create task pack file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(file, io.TeeReader(reader, hasher)); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "write task pack file failed")
	}
	actual := hex.EncodeToString(hasher.Sum(nil))

	expected, err := r.expectedChecksum(ctx, taskID)
	if err != nil {
		return "", err
	}
	if expected != "" && !strings.EqualFold(actual, expected) {
		return "", appErr.Newf(appErr.TaskPackCorrupt, "task pack %s hash mismatch", taskID)
	}
	return actual, nil
}

func (r *PackRepository) expectedChecksum(ctx context.Context, taskID string) (string, error) {
	reader, err := r.storage.GetObject(ctx, r.cfg.Bucket, taskID+checksumSuffix)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", nil
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "download task checksum failed")
	}
	defer reader.Close()
	data, err := io.ReadAll(io.LimitReader(reader, 1024))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "read task checksum failed")
	}
	// sha256sum output: "<hex>  <file>".
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

func extractPack(srcPath, dstDir string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "open task pack failed")
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.TaskPackCorrupt, "create zstd reader failed")
	}
	defer zr.Close()

	root := filepath.Clean(dstDir) + string(filepath.Separator)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.TaskPackCorrupt, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return appErr.Newf(appErr.TaskPackCorrupt, "invalid tar entry path %q", hdr.Name)
		}
		target := filepath.Join(dstDir, cleanName)
		if !strings.HasPrefix(target, root) {
			return appErr.Newf(appErr.TaskPackCorrupt, "tar entry %q escapes pack", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return appErr.Wrapf(err, appErr.StorageError, "create dir failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return appErr.Wrapf(err, appErr.StorageError, "create parent dir failed")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode)&0o644|0o600)
			if err != nil {
				return appErr.Wrapf(err, appErr.StorageError, "create file failed")
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return appErr.Wrapf(err, appErr.StorageError, "write file failed")
			}
			_ = out.Close()
		default:
			// links and devices are ignored
		}
	}
}

func (r *PackRepository) addEntry(key, path, etag string) {
	size := dirSize(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[key]; ok {
		r.totalSize -= existing.sizeBytes
	}
	r.entries[key] = &cacheEntry{
		path:      path,
		etag:      etag,
		sizeBytes: size,
		expiresAt: time.Now().Add(r.cfg.TTL),
	}
	r.totalSize += size
	r.touchLocked(key)
	r.evictLocked(key)
}

func (r *PackRepository) touchLocked(key string) {
	for i, k := range r.lruKeys {
		if k == key {
			r.lruKeys = append(r.lruKeys[:i], r.lruKeys[i+1:]...)
			break
		}
	}
	r.lruKeys = append(r.lruKeys, key)
}

// evictLocked never evicts keep, the entry just handed to a caller.
func (r *PackRepository) evictLocked(keep string) {
	for len(r.lruKeys) > 1 {
		overCount := len(r.entries) > r.cfg.MaxEntries
		overSize := r.cfg.MaxBytes > 0 && r.totalSize > r.cfg.MaxBytes
		if !overCount && !overSize {
			return
		}
		oldest := r.lruKeys[0]
		if oldest == keep {
			return
		}
		r.lruKeys = r.lruKeys[1:]
		entry := r.entries[oldest]
		delete(r.entries, oldest)
		if entry != nil {
			r.totalSize -= entry.sizeBytes
			_ = os.RemoveAll(entry.path)
		}
	}
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
