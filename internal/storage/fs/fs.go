// Package fs is the filesystem-backed storage.Backend: objects are files
// under a root directory, written via a staging-file-then-atomic-rename
// pattern so a reader never observes a partially written object.
package fs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simples3/simples3/internal/pathutil"
	"github.com/simples3/simples3/internal/storage"
)

var (
	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simples3_storage_bytes_written_total",
		Help: "Total bytes written to the object store.",
	})
	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simples3_storage_bytes_read_total",
		Help: "Total bytes read from the object store.",
	})
	diskIOErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simples3_storage_io_errors_total",
		Help: "Total disk I/O errors by operation.",
	}, []string{"operation"})
)

// FS is a storage.Backend rooted at a single directory.
type FS struct {
	root   string
	logger *zap.SugaredLogger
	mu     sync.Mutex // not locked by any method; os.CreateTemp picks unique staging names
}

// New creates (if necessary) root and returns an FS backend over it.
func New(root string, logger *zap.SugaredLogger) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".mpu"), 0o755); err != nil {
		return nil, fmt.Errorf("create multipart staging dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FS{root: root, logger: logger}, nil
}

func (f *FS) Close() error { return nil }

// Put streams data into bucket/key via a temp file + atomic rename,
// computing the hex MD5 ETag incrementally while writing.
func (f *FS) Put(ctx context.Context, bucket, key string, data io.Reader, size int64) (string, error) {
	if err := pathutil.ValidateObjectKey(key); err != nil {
		return "", err
	}
	target := pathutil.ObjectPath(f.root, bucket, key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		diskIOErrors.WithLabelValues("put").Inc()
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".staging-*")
	if err != nil {
		diskIOErrors.WithLabelValues("put").Inc()
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	if err != nil {
		tmp.Close()
		diskIOErrors.WithLabelValues("put").Inc()
		return "", err
	}
	if size >= 0 && written != size {
		tmp.Close()
		return "", fmt.Errorf("short write: wrote %d bytes, wanted %d", written, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		diskIOErrors.WithLabelValues("put").Inc()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		diskIOErrors.WithLabelValues("put").Inc()
		return "", err
	}
	if ok, err := pathutil.IsStrictDescendant(f.root, target); err != nil || !ok {
		return "", fmt.Errorf("refusing to write outside storage root")
	}
	if err := os.Rename(tmpPath, target); err != nil {
		diskIOErrors.WithLabelValues("put").Inc()
		return "", err
	}

	bytesWritten.Add(float64(written))
	etag := hex.EncodeToString(hasher.Sum(nil))
	f.logger.Debugw("object written", "bucket", bucket, "key", key, "size", written, "etag", etag)
	return etag, nil
}

// Get opens bucket/key, honoring rng if given.
func (f *FS) Get(ctx context.Context, bucket, key string, rng *storage.Range) (io.ReadCloser, int64, error) {
	if err := pathutil.ValidateObjectKey(key); err != nil {
		return nil, 0, err
	}
	path := pathutil.ObjectPath(f.root, bucket, key)
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		diskIOErrors.WithLabelValues("get").Inc()
		return nil, 0, err
	}

	if rng == nil {
		return &countingReadCloser{ReadCloser: file}, info.Size(), nil
	}
	end := rng.End
	if end == -1 {
		end = info.Size() - 1
	}
	if rng.Start < 0 || end >= info.Size() || rng.Start > end {
		file.Close()
		return nil, 0, storage.ErrUnsatisfiableRange
	}
	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		file.Close()
		return nil, 0, err
	}
	n := end - rng.Start + 1
	return &countingReadCloser{ReadCloser: struct {
		io.Reader
		io.Closer
	}{io.LimitReader(file, n), file}}, n, nil
}

type countingReadCloser struct {
	io.ReadCloser
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	bytesRead.Add(float64(n))
	return n, err
}

func (f *FS) Delete(ctx context.Context, bucket, key string) error {
	if err := pathutil.ValidateObjectKey(key); err != nil {
		return err
	}
	path := pathutil.ObjectPath(f.root, bucket, key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		diskIOErrors.WithLabelValues("delete").Inc()
		return err
	}
	f.cleanupEmptyDirs(filepath.Dir(path), filepath.Join(f.root, bucket))
	return nil
}

func (f *FS) cleanupEmptyDirs(dir, stopAt string) {
	for dir != stopAt && dir != f.root && dir != "." && dir != "/" {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (f *FS) Size(ctx context.Context, bucket, key string) (int64, error) {
	if err := pathutil.ValidateObjectKey(key); err != nil {
		return 0, err
	}
	info, err := os.Stat(pathutil.ObjectPath(f.root, bucket, key))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// --- Multipart part staging ---

func (f *FS) partPath(uploadID string, partNumber int) string {
	return filepath.Join(f.root, ".mpu", uploadID, fmt.Sprintf("%08d", partNumber))
}

func (f *FS) PutPart(ctx context.Context, uploadID string, partNumber int, data io.Reader, size int64) (string, error) {
	dir := filepath.Join(f.root, ".mpu", uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := f.partPath(uploadID, partNumber)
	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	if err != nil {
		tmp.Close()
		return "", err
	}
	if size >= 0 && written != size {
		tmp.Close()
		return "", fmt.Errorf("short write: wrote %d bytes, wanted %d", written, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", err
	}
	bytesWritten.Add(float64(written))
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ConcatenateParts assembles the recorded parts (in the order given, which
// callers must have already sorted by part number) into the final object,
// returning the composite "<md5-of-concatenated-part-ETag-digests>-<N>"
// ETag S3 clients expect for a multipart object.
func (f *FS) ConcatenateParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	if err := pathutil.ValidateObjectKey(key); err != nil {
		return "", 0, err
	}
	target := pathutil.ObjectPath(f.root, bucket, key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".staging-*")
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	digestConcat := md5.New()
	var total int64
	for _, n := range partNumbers {
		partPath := f.partPath(uploadID, n)
		pf, err := os.Open(partPath)
		if err != nil {
			tmp.Close()
			return "", 0, fmt.Errorf("open part %d: %w", n, err)
		}
		partHasher := md5.New()
		written, err := io.Copy(io.MultiWriter(tmp, partHasher), pf)
		pf.Close()
		if err != nil {
			tmp.Close()
			return "", 0, err
		}
		digestConcat.Write(partHasher.Sum(nil))
		total += written
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", 0, err
	}

	etag := fmt.Sprintf("%s-%d", hex.EncodeToString(digestConcat.Sum(nil)), len(partNumbers))
	f.AbortParts(ctx, uploadID, partNumbers)
	return etag, total, nil
}

func (f *FS) AbortParts(ctx context.Context, uploadID string, partNumbers []int) error {
	dir := filepath.Join(f.root, ".mpu", uploadID)
	for _, n := range partNumbers {
		os.Remove(f.partPath(uploadID, n))
	}
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
	return nil
}

// ListPartNumbers returns the numerically sorted part numbers currently
// staged for uploadID, read from the staging directory. Nothing in the
// request path calls it (the metadata store is the source of truth for part
// bookkeeping).
func (f *FS) ListPartNumbers(uploadID string) ([]int, error) {
	dir := filepath.Join(f.root, ".mpu", uploadID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "%d", &n); err == nil {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	return nums, nil
}

var _ storage.Backend = (*FS)(nil)
