// Package engine implements the core object-storage operation logic:
// bucket and object CRUD, listing, tagging, and the multipart upload state
// machine, orchestrating the metadata store and the byte storage backend.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simples3/simples3/internal/apierr"
	"github.com/simples3/simples3/internal/metadata"
	"github.com/simples3/simples3/internal/storage"
	"github.com/simples3/simples3/internal/telemetry"
)

const minPartSize = 5 << 20 // 5 MiB, except the last part of an upload

// ObjectService is the core operation logic over a metadata store and a
// byte storage backend.
type ObjectService struct {
	storage  storage.Backend
	metadata metadata.Store
	logger   *zap.SugaredLogger
	locker   *Locker
}

func New(store storage.Backend, meta metadata.Store, logger *zap.SugaredLogger) *ObjectService {
	return &ObjectService{storage: store, metadata: meta, logger: logger, locker: NewLocker()}
}

func (s *ObjectService) Close() error {
	if err := s.storage.Close(); err != nil {
		return err
	}
	return s.metadata.Close()
}

func (s *ObjectService) observe(operation string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "error"
	}
	telemetry.Observe(operation, status, time.Since(start).Seconds())
}

// --- Buckets ---

// CreateBucket creates bucket if absent. Creating a bucket you already
// own again is idempotent; creating one owned by someone else conflicts.
func (s *ObjectService) CreateBucket(ctx context.Context, name, owner string) (err error) {
	defer s.observe("CreateBucket", time.Now(), &err)

	existing, getErr := s.metadata.GetBucket(ctx, name)
	if getErr != nil {
		return apierr.ErrInternal
	}
	if existing != nil {
		if existing.Owner == owner {
			return nil
		}
		return apierr.ErrBucketAlreadyExists
	}
	b := &metadata.Bucket{Name: name, Owner: owner, CreatedAt: time.Now().Unix()}
	if err = s.metadata.CreateBucket(ctx, b); err != nil {
		return apierr.ErrInternal
	}
	telemetry.StorageBucketsTotal.Inc()
	return nil
}

func (s *ObjectService) GetBucket(ctx context.Context, name string) (*metadata.Bucket, error) {
	b, err := s.metadata.GetBucket(ctx, name)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	if b == nil {
		return nil, apierr.ErrNoSuchBucket
	}
	return b, nil
}

func (s *ObjectService) DeleteBucket(ctx context.Context, name string) (err error) {
	defer s.observe("DeleteBucket", time.Now(), &err)

	res, listErr := s.metadata.ListObjects(ctx, name, metadata.ListOptions{MaxKeys: 1})
	if listErr != nil {
		return apierr.ErrInternal
	}
	if len(res.Objects) > 0 {
		return apierr.ErrBucketNotEmpty
	}
	if err = s.metadata.DeleteBucket(ctx, name); err != nil {
		return apierr.ErrInternal
	}
	telemetry.StorageBucketsTotal.Dec()
	telemetry.DeleteBucketMetrics(name)
	return nil
}

func (s *ObjectService) ListBuckets(ctx context.Context) ([]*metadata.Bucket, error) {
	buckets, err := s.metadata.ListBuckets(ctx)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	return buckets, nil
}

// SetBucketAnonymousListPublic flips the bucket's anonymous-list-public
// flag, used by the PutBucketAcl handler when a grant of bucket-level READ
// (list objects) to the AllUsers group is (or isn't) present.
func (s *ObjectService) SetBucketAnonymousListPublic(ctx context.Context, bucket string, public bool) error {
	b, err := s.GetBucket(ctx, bucket)
	if err != nil {
		return err
	}
	b.AnonymousListPublic = public
	if err := s.metadata.CreateBucket(ctx, b); err != nil {
		return apierr.ErrInternal
	}
	return nil
}

// --- Objects ---

type PutObjectOptions struct {
	ContentType     string
	ContentEncoding string
	CacheControl    string
	UserMetadata    map[string]string
	Public          bool
}

// PutObject streams data (of exactly size bytes) into bucket/key.
func (s *ObjectService) PutObject(ctx context.Context, bucket, key string, data io.Reader, size int64, opts PutObjectOptions) (obj *metadata.Object, err error) {
	defer s.observe("PutObject", time.Now(), &err)

	unlock := s.locker.Lock(bucket, key)
	defer unlock()

	if _, err = s.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}

	etag, putErr := s.storage.Put(ctx, bucket, key, data, size)
	if putErr != nil {
		return nil, apierr.ErrInternal
	}

	existing, _ := s.metadata.GetObject(ctx, bucket, key)
	obj = &metadata.Object{
		Bucket:          bucket,
		Key:             key,
		Size:            size,
		ETag:            etag,
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
		CacheControl:    opts.CacheControl,
		UserMetadata:    opts.UserMetadata,
		Public:          opts.Public,
		CreatedAt:       time.Now().Unix(),
	}
	if err = s.metadata.PutObject(ctx, obj); err != nil {
		return nil, apierr.ErrInternal
	}

	delta := size
	if existing != nil {
		delta -= existing.Size
	} else {
		telemetry.IncBucketObjects(bucket)
		telemetry.StorageObjectsTotal.Inc()
	}
	telemetry.AddBucketBytes(bucket, delta)
	telemetry.IncStorageBytes(delta)
	return obj, nil
}

type GetObjectResult struct {
	Object *metadata.Object
	Body   io.ReadCloser
	Size   int64
}

// GetObject opens bucket/key, honoring rangeHeader (the raw HTTP Range
// header value, or "").
func (s *ObjectService) GetObject(ctx context.Context, bucket, key, rangeHeader string) (res *GetObjectResult, err error) {
	defer s.observe("GetObject", time.Now(), &err)

	obj, getErr := s.metadata.GetObject(ctx, bucket, key)
	if getErr != nil {
		return nil, apierr.ErrInternal
	}
	if obj == nil {
		return nil, apierr.ErrNoSuchKey
	}

	rng, rangeErr := storage.ParseRange(rangeHeader, obj.Size)
	if rangeErr != nil {
		return nil, apierr.ErrRangeNotSatisfiable
	}

	body, n, getErr := s.storage.Get(ctx, bucket, key, rng)
	if getErr != nil {
		return nil, apierr.ErrNoSuchKey
	}
	return &GetObjectResult{Object: obj, Body: body, Size: n}, nil
}

func (s *ObjectService) HeadObject(ctx context.Context, bucket, key string) (*metadata.Object, error) {
	obj, err := s.metadata.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	if obj == nil {
		return nil, apierr.ErrNoSuchKey
	}
	return obj, nil
}

func (s *ObjectService) DeleteObject(ctx context.Context, bucket, key string) (err error) {
	defer s.observe("DeleteObject", time.Now(), &err)

	unlock := s.locker.Lock(bucket, key)
	defer unlock()

	obj, getErr := s.metadata.GetObject(ctx, bucket, key)
	if getErr != nil {
		return apierr.ErrInternal
	}
	if obj == nil {
		return nil // delete is idempotent
	}
	if err = s.storage.Delete(ctx, bucket, key); err != nil {
		return apierr.ErrInternal
	}
	if err = s.metadata.DeleteObject(ctx, bucket, key); err != nil {
		return apierr.ErrInternal
	}
	telemetry.DecBucketObjects(bucket)
	telemetry.StorageObjectsTotal.Dec()
	telemetry.AddBucketBytes(bucket, -obj.Size)
	telemetry.DecStorageBytes(obj.Size)
	return nil
}

func (s *ObjectService) ListObjects(ctx context.Context, bucket string, opts metadata.ListOptions) (*metadata.ListResult, error) {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	res, err := s.metadata.ListObjects(ctx, bucket, opts)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	return res, nil
}

// CopyObject copies srcBucket/srcKey to dstBucket/dstKey. When opts is
// non-nil its metadata replaces the source's; otherwise the source's
// content type, encoding, cache control and user metadata carry over.
func (s *ObjectService) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, opts *PutObjectOptions) (obj *metadata.Object, err error) {
	defer s.observe("CopyObject", time.Now(), &err)

	src, getErr := s.GetObject(ctx, srcBucket, srcKey, "")
	if getErr != nil {
		return nil, getErr
	}
	defer src.Body.Close()

	put := PutObjectOptions{
		ContentType:     src.Object.ContentType,
		ContentEncoding: src.Object.ContentEncoding,
		CacheControl:    src.Object.CacheControl,
		UserMetadata:    src.Object.UserMetadata,
		Public:          src.Object.Public,
	}
	if opts != nil {
		put = *opts
	}
	return s.PutObject(ctx, dstBucket, dstKey, src.Body, src.Size, put)
}

// DeleteObjects removes every named key from bucket, continuing past
// individual failures. It reports which keys failed and why.
type DeleteError struct {
	Key   string
	Error *apierr.Error
}

func (s *ObjectService) DeleteObjects(ctx context.Context, bucket string, keys []string) (deleted []string, errs []DeleteError) {
	for _, key := range keys {
		if err := s.DeleteObject(ctx, bucket, key); err != nil {
			errs = append(errs, DeleteError{Key: key, Error: apierr.As(err)})
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errs
}

// SetObjectPublic flips the object's public-read flag, used by the
// PutObjectAcl handler when a grant to the AllUsers group is (or isn't)
// present in the submitted ACL document.
func (s *ObjectService) SetObjectPublic(ctx context.Context, bucket, key string, public bool) error {
	obj, err := s.HeadObject(ctx, bucket, key)
	if err != nil {
		return err
	}
	obj.Public = public
	if err := s.metadata.PutObject(ctx, obj); err != nil {
		return apierr.ErrInternal
	}
	return nil
}

// --- Tags ---

func (s *ObjectService) PutObjectTags(ctx context.Context, bucket, key string, tags map[string]string) error {
	if _, err := s.HeadObject(ctx, bucket, key); err != nil {
		return err
	}
	if err := s.metadata.PutObjectTags(ctx, bucket, key, tags); err != nil {
		return apierr.ErrInternal
	}
	return nil
}

func (s *ObjectService) GetObjectTags(ctx context.Context, bucket, key string) (map[string]string, error) {
	tags, err := s.metadata.GetObjectTags(ctx, bucket, key)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	return tags, nil
}

func (s *ObjectService) DeleteObjectTags(ctx context.Context, bucket, key string) error {
	if err := s.metadata.DeleteObjectTags(ctx, bucket, key); err != nil {
		return apierr.ErrInternal
	}
	return nil
}

// --- Multipart uploads ---

func (s *ObjectService) CreateMultipartUpload(ctx context.Context, bucket, key string, opts PutObjectOptions) (*metadata.MultipartUpload, error) {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	u := &metadata.MultipartUpload{
		UploadID:     uuid.NewString(),
		Bucket:       bucket,
		Key:          key,
		ContentType:  opts.ContentType,
		UserMetadata: opts.UserMetadata,
		Initiated:    time.Now().Unix(),
	}
	if err := s.metadata.CreateMultipartUpload(ctx, u); err != nil {
		return nil, apierr.ErrInternal
	}
	return u, nil
}

// UploadPart stores one part's bytes. Per S3 semantics, part-size
// invariants (>= 5 MiB except the last part) are enforced at
// CompleteMultipartUpload time, since a part's "lastness" isn't knowable
// until Complete names the full part list.
func (s *ObjectService) UploadPart(ctx context.Context, uploadID string, partNumber int, data io.Reader, size int64) (*metadata.Part, error) {
	u, err := s.metadata.GetMultipartUpload(ctx, uploadID)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	if u == nil {
		return nil, apierr.ErrNoSuchUpload
	}

	etag, putErr := s.storage.PutPart(ctx, uploadID, partNumber, data, size)
	if putErr != nil {
		return nil, apierr.ErrInternal
	}

	p := &metadata.Part{UploadID: uploadID, PartNumber: partNumber, ETag: etag, Size: size, UploadedAt: time.Now().Unix()}
	if err := s.metadata.PutPart(ctx, p); err != nil {
		return nil, apierr.ErrInternal
	}
	return p, nil
}

// CompleteMultipartUpload assembles the named parts (in ascending part-
// number order) into the final object and discards the upload's
// bookkeeping and staged part bytes.
func (s *ObjectService) CompleteMultipartUpload(ctx context.Context, uploadID string, requestedParts []int) (obj *metadata.Object, err error) {
	defer s.observe("CompleteMultipartUpload", time.Now(), &err)

	u, getErr := s.metadata.GetMultipartUpload(ctx, uploadID)
	if getErr != nil {
		return nil, apierr.ErrInternal
	}
	if u == nil {
		return nil, apierr.ErrNoSuchUpload
	}

	unlock := s.locker.Lock(u.Bucket, u.Key)
	defer unlock()

	recorded, listErr := s.metadata.ListParts(ctx, uploadID)
	if listErr != nil {
		return nil, apierr.ErrInternal
	}
	bySize := make(map[int]int64, len(recorded))
	for _, p := range recorded {
		bySize[p.PartNumber] = p.Size
	}
	for i, n := range requestedParts {
		if i > 0 && n <= requestedParts[i-1] {
			return nil, apierr.ErrInvalidArgument
		}
		if _, ok := bySize[n]; !ok {
			return nil, apierr.ErrInvalidArgument
		}
		if i < len(requestedParts)-1 && bySize[n] < minPartSize {
			return nil, apierr.ErrEntityTooSmall
		}
	}

	etag, size, concatErr := s.storage.ConcatenateParts(ctx, u.Bucket, u.Key, uploadID, requestedParts)
	if concatErr != nil {
		return nil, apierr.ErrInternal
	}

	existing, _ := s.metadata.GetObject(ctx, u.Bucket, u.Key)
	obj = &metadata.Object{
		Bucket:       u.Bucket,
		Key:          u.Key,
		Size:         size,
		ETag:         etag,
		ContentType:  u.ContentType,
		UserMetadata: u.UserMetadata,
		CreatedAt:    time.Now().Unix(),
	}
	if err = s.metadata.PutObject(ctx, obj); err != nil {
		return nil, apierr.ErrInternal
	}
	if err = s.metadata.DeleteMultipartUpload(ctx, uploadID); err != nil {
		s.logger.Warnw("failed to clean up multipart upload bookkeeping", "uploadID", uploadID, "error", err)
	}

	delta := size
	if existing != nil {
		delta -= existing.Size
	} else {
		telemetry.IncBucketObjects(u.Bucket)
		telemetry.StorageObjectsTotal.Inc()
	}
	telemetry.AddBucketBytes(u.Bucket, delta)
	telemetry.IncStorageBytes(delta)
	return obj, nil
}

func (s *ObjectService) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	u, err := s.metadata.GetMultipartUpload(ctx, uploadID)
	if err != nil {
		return apierr.ErrInternal
	}
	if u == nil {
		return apierr.ErrNoSuchUpload
	}
	parts, err := s.metadata.ListParts(ctx, uploadID)
	if err != nil {
		return apierr.ErrInternal
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		nums[i] = p.PartNumber
	}
	if err := s.storage.AbortParts(ctx, uploadID, nums); err != nil {
		return apierr.ErrInternal
	}
	return s.metadata.DeleteMultipartUpload(ctx, uploadID)
}

func (s *ObjectService) ListMultipartUploads(ctx context.Context, bucket string) ([]*metadata.MultipartUpload, error) {
	uploads, err := s.metadata.ListMultipartUploads(ctx, bucket)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	return uploads, nil
}

func (s *ObjectService) ListParts(ctx context.Context, uploadID string) ([]*metadata.Part, error) {
	u, err := s.metadata.GetMultipartUpload(ctx, uploadID)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	if u == nil {
		return nil, apierr.ErrNoSuchUpload
	}
	parts, err := s.metadata.ListParts(ctx, uploadID)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	return parts, nil
}

// --- Bucket configuration documents ---

func (s *ObjectService) PutBucketCORS(ctx context.Context, bucket string, doc []byte) error {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return err
	}
	if err := s.metadata.PutBucketCORS(ctx, bucket, doc); err != nil {
		return apierr.ErrInternal
	}
	return nil
}

func (s *ObjectService) GetBucketCORS(ctx context.Context, bucket string) ([]byte, error) {
	doc, err := s.metadata.GetBucketCORS(ctx, bucket)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	if doc == nil {
		return nil, apierr.ErrNoSuchCORSConfiguration
	}
	return doc, nil
}

func (s *ObjectService) DeleteBucketCORS(ctx context.Context, bucket string) error {
	if err := s.metadata.DeleteBucketCORS(ctx, bucket); err != nil {
		return apierr.ErrInternal
	}
	return nil
}

func (s *ObjectService) PutBucketLifecycle(ctx context.Context, bucket string, doc []byte) error {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return err
	}
	if err := s.metadata.PutBucketLifecycle(ctx, bucket, doc); err != nil {
		return apierr.ErrInternal
	}
	return nil
}

func (s *ObjectService) GetBucketLifecycle(ctx context.Context, bucket string) ([]byte, error) {
	doc, err := s.metadata.GetBucketLifecycle(ctx, bucket)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	if doc == nil {
		return nil, apierr.ErrNoSuchLifecycleConfiguration
	}
	return doc, nil
}

func (s *ObjectService) DeleteBucketLifecycle(ctx context.Context, bucket string) error {
	if err := s.metadata.DeleteBucketLifecycle(ctx, bucket); err != nil {
		return apierr.ErrInternal
	}
	return nil
}

func (s *ObjectService) PutBucketPolicy(ctx context.Context, bucket string, doc []byte) error {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return err
	}
	if err := s.metadata.PutBucketPolicy(ctx, bucket, doc); err != nil {
		return apierr.ErrInternal
	}
	return nil
}

func (s *ObjectService) GetBucketPolicy(ctx context.Context, bucket string) ([]byte, error) {
	doc, err := s.metadata.GetBucketPolicy(ctx, bucket)
	if err != nil {
		return nil, apierr.ErrInternal
	}
	if doc == nil {
		return nil, apierr.ErrNoSuchBucketPolicy
	}
	return doc, nil
}

func (s *ObjectService) DeleteBucketPolicy(ctx context.Context, bucket string) error {
	if err := s.metadata.DeleteBucketPolicy(ctx, bucket); err != nil {
		return apierr.ErrInternal
	}
	return nil
}
