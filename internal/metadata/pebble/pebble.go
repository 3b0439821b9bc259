// Package pebble is the metadata.Store implementation backed by
// cockroachdb/pebble, an ordered, durable, single-process key-value engine.
package pebble

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/simples3/simples3/internal/metadata"
)

// Store is a metadata.Store backed by a single pebble.DB. Every write is
// durable (pebble.Sync) before it is acknowledged. pebble's own file lock on
// the database directory gives "only one server process may hold the
// directory" for free.
type Store struct {
	db *pebble.DB
	mu sync.RWMutex
}

// Open opens (creating if necessary) the pebble database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(256 << 20),
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
		MemTableSize: 8 << 20,
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Key namespaces, per the persisted layout: a stable ASCII prefix joined by
// "/" so prefix scans via iter.SeekGE enumerate exactly one namespace.
const (
	nsBucket    = "bucket/"
	nsObject    = "obj/"
	nsTag       = "tag/"
	nsCred      = "cred/"
	nsMPU       = "mpu/"
	nsMPUPart   = "mpu-part/"
	nsCORS      = "cors/"
	nsLifecycle = "lifecycle/"
	nsPolicy    = "policy/"
)

func bucketKey(name string) []byte        { return []byte(nsBucket + name) }
func objectKey(bucket, key string) []byte { return []byte(nsObject + bucket + "/" + key) }
func objectPrefix(bucket string) []byte   { return []byte(nsObject + bucket + "/") }
func tagKey(bucket, key string) []byte    { return []byte(nsTag + bucket + "/" + key) }
func credKey(accessKeyID string) []byte   { return []byte(nsCred + accessKeyID) }
func mpuKey(uploadID string) []byte       { return []byte(nsMPU + uploadID) }
func mpuPartKey(uploadID string, partNumber int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", nsMPUPart, uploadID, partNumber))
}
func mpuPartPrefix(uploadID string) []byte { return []byte(nsMPUPart + uploadID + "/") }
func corsKey(bucket string) []byte         { return []byte(nsCORS + bucket) }
func lifecycleKey(bucket string) []byte    { return []byte(nsLifecycle + bucket) }
func policyKey(bucket string) []byte       { return []byte(nsPolicy + bucket) }

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func isNotFound(err error) bool {
	return err == pebble.ErrNotFound
}

// --- Buckets ---

func (s *Store) CreateBucket(_ context.Context, b *metadata.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := encode(b)
	if err != nil {
		return err
	}
	return s.db.Set(bucketKey(b.Name), data, pebble.Sync)
}

func (s *Store) GetBucket(_ context.Context, name string) (*metadata.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, closer, err := s.db.Get(bucketKey(name))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	var b metadata.Bucket
	if err := decode(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBucket removes the bucket record and cascades across every
// per-bucket configuration namespace (CORS, lifecycle, policy), per the
// bucket-delete cascade requirement.
func (s *Store) DeleteBucket(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Delete(bucketKey(name), nil)
	batch.Delete(corsKey(name), nil)
	batch.Delete(lifecycleKey(name), nil)
	batch.Delete(policyKey(name), nil)
	return batch.Commit(pebble.Sync)
}

func (s *Store) ListBuckets(_ context.Context) ([]*metadata.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(nsBucket),
		UpperBound: []byte(nsBucket + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var buckets []*metadata.Bucket
	for valid := iter.First(); valid; valid = iter.Next() {
		var b metadata.Bucket
		if err := decode(iter.Value(), &b); err != nil {
			return nil, err
		}
		buckets = append(buckets, &b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, iter.Error()
}

// --- Objects ---

func (s *Store) PutObject(_ context.Context, o *metadata.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := encode(o)
	if err != nil {
		return err
	}
	return s.db.Set(objectKey(o.Bucket, o.Key), data, pebble.Sync)
}

func (s *Store) GetObject(_ context.Context, bucket, key string) (*metadata.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, closer, err := s.db.Get(objectKey(bucket, key))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	var o metadata.Object
	if err := decode(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) DeleteObject(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Delete(objectKey(bucket, key), nil)
	batch.Delete(tagKey(bucket, key), nil)
	return batch.Commit(pebble.Sync)
}

func (s *Store) ListObjects(_ context.Context, bucket string, opts metadata.ListOptions) (*metadata.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	prefix := objectPrefix(bucket)
	lower := append(append([]byte{}, prefix...), []byte(opts.Prefix)...)
	if opts.ContinuationToken != "" {
		lower = objectKey(bucket, opts.ContinuationToken)
	}
	upper := append(append([]byte{}, prefix...), 0xff)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	result := &metadata.ListResult{}
	commonPrefixSet := map[string]bool{}

	for valid := iter.SeekGE(lower); valid; valid = iter.Next() {
		rel := strings.TrimPrefix(string(iter.Key()), string(prefix))
		if !strings.HasPrefix(rel, opts.Prefix) {
			continue
		}
		if opts.ContinuationToken != "" && rel == opts.ContinuationToken {
			continue // continuation token marks the last key already returned
		}

		if opts.Delimiter != "" {
			afterPrefix := rel[len(opts.Prefix):]
			if idx := strings.Index(afterPrefix, opts.Delimiter); idx >= 0 {
				cp := opts.Prefix + afterPrefix[:idx+len(opts.Delimiter)]
				commonPrefixSet[cp] = true
				continue
			}
		}

		var o metadata.Object
		if err := decode(iter.Value(), &o); err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, &o)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for cp := range commonPrefixSet {
		result.CommonPrefixes = append(result.CommonPrefixes, cp)
	}
	sort.Strings(result.CommonPrefixes)
	sort.Slice(result.Objects, func(i, j int) bool { return result.Objects[i].Key < result.Objects[j].Key })

	all := append([]string{}, result.CommonPrefixes...)
	for _, o := range result.Objects {
		all = append(all, o.Key)
	}
	sort.Strings(all)

	if len(all) > maxKeys {
		cutoff := all[maxKeys-1]
		result.IsTruncated = true
		result.NextContinuationToken = cutoff

		var objs []*metadata.Object
		for _, o := range result.Objects {
			if o.Key <= cutoff {
				objs = append(objs, o)
			}
		}
		result.Objects = objs

		var cps []string
		for _, cp := range result.CommonPrefixes {
			if cp <= cutoff {
				cps = append(cps, cp)
			}
		}
		result.CommonPrefixes = cps
	}

	return result, nil
}

// --- Object tags ---

func (s *Store) PutObjectTags(_ context.Context, bucket, key string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := encode(tags)
	if err != nil {
		return err
	}
	return s.db.Set(tagKey(bucket, key), data, pebble.Sync)
}

func (s *Store) GetObjectTags(_ context.Context, bucket, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, closer, err := s.db.Get(tagKey(bucket, key))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	tags := map[string]string{}
	if err := decode(data, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *Store) DeleteObjectTags(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(tagKey(bucket, key), pebble.Sync)
}

// --- Credentials ---

func (s *Store) PutCredential(_ context.Context, c *metadata.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := encode(c)
	if err != nil {
		return err
	}
	return s.db.Set(credKey(c.AccessKeyID), data, pebble.Sync)
}

func (s *Store) GetCredential(_ context.Context, accessKeyID string) (*metadata.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, closer, err := s.db.Get(credKey(accessKeyID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	var c metadata.Credential
	if err := decode(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCredentials(_ context.Context) ([]*metadata.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(nsCred),
		UpperBound: []byte(nsCred + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var creds []*metadata.Credential
	for valid := iter.First(); valid; valid = iter.Next() {
		var c metadata.Credential
		if err := decode(iter.Value(), &c); err != nil {
			return nil, err
		}
		creds = append(creds, &c)
	}
	return creds, iter.Error()
}

// --- Multipart uploads ---

func (s *Store) CreateMultipartUpload(_ context.Context, u *metadata.MultipartUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := encode(u)
	if err != nil {
		return err
	}
	return s.db.Set(mpuKey(u.UploadID), data, pebble.Sync)
}

func (s *Store) GetMultipartUpload(_ context.Context, uploadID string) (*metadata.MultipartUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, closer, err := s.db.Get(mpuKey(uploadID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	var u metadata.MultipartUpload
	if err := decode(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteMultipartUpload removes the upload header and every part recorded
// for it, keyed by the part numbers actually present (not an assumed
// contiguous 1..N range).
func (s *Store) DeleteMultipartUpload(ctx context.Context, uploadID string) error {
	parts, err := s.ListParts(ctx, uploadID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Delete(mpuKey(uploadID), nil)
	for _, p := range parts {
		batch.Delete(mpuPartKey(uploadID, p.PartNumber), nil)
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) ListMultipartUploads(_ context.Context, bucket string) ([]*metadata.MultipartUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(nsMPU),
		UpperBound: []byte(nsMPU + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var uploads []*metadata.MultipartUpload
	for valid := iter.First(); valid; valid = iter.Next() {
		var u metadata.MultipartUpload
		if err := decode(iter.Value(), &u); err != nil {
			return nil, err
		}
		if u.Bucket == bucket {
			uploads = append(uploads, &u)
		}
	}
	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})
	return uploads, iter.Error()
}

func (s *Store) PutPart(_ context.Context, p *metadata.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := encode(p)
	if err != nil {
		return err
	}
	return s.db.Set(mpuPartKey(p.UploadID, p.PartNumber), data, pebble.Sync)
}

func (s *Store) ListParts(_ context.Context, uploadID string) ([]*metadata.Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := mpuPartPrefix(uploadID)
	upper := append(append([]byte{}, prefix...), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var parts []*metadata.Part
	for valid := iter.First(); valid; valid = iter.Next() {
		var p metadata.Part
		if err := decode(iter.Value(), &p); err != nil {
			return nil, err
		}
		parts = append(parts, &p)
	}
	// Zero-padded part numbers in the key already sort numerically; this
	// is belt-and-suspenders against future key-format changes.
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, iter.Error()
}

func (s *Store) DeleteParts(_ context.Context, uploadID string, partNumbers []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, n := range partNumbers {
		batch.Delete(mpuPartKey(uploadID, n), nil)
	}
	return batch.Commit(pebble.Sync)
}

// --- Bucket configuration documents (raw JSON, no gob envelope) ---

func (s *Store) putDoc(key []byte, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set(key, doc, pebble.Sync)
}

func (s *Store) getDoc(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, closer, err := s.db.Get(key)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) deleteDoc(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(key, pebble.Sync)
}

func (s *Store) PutBucketCORS(_ context.Context, bucket string, doc []byte) error {
	return s.putDoc(corsKey(bucket), doc)
}
func (s *Store) GetBucketCORS(_ context.Context, bucket string) ([]byte, error) {
	return s.getDoc(corsKey(bucket))
}
func (s *Store) DeleteBucketCORS(_ context.Context, bucket string) error {
	return s.deleteDoc(corsKey(bucket))
}

func (s *Store) PutBucketLifecycle(_ context.Context, bucket string, doc []byte) error {
	return s.putDoc(lifecycleKey(bucket), doc)
}
func (s *Store) GetBucketLifecycle(_ context.Context, bucket string) ([]byte, error) {
	return s.getDoc(lifecycleKey(bucket))
}
func (s *Store) DeleteBucketLifecycle(_ context.Context, bucket string) error {
	return s.deleteDoc(lifecycleKey(bucket))
}

func (s *Store) PutBucketPolicy(_ context.Context, bucket string, doc []byte) error {
	return s.putDoc(policyKey(bucket), doc)
}
func (s *Store) GetBucketPolicy(_ context.Context, bucket string) ([]byte, error) {
	return s.getDoc(policyKey(bucket))
}
func (s *Store) DeleteBucketPolicy(_ context.Context, bucket string) error {
	return s.deleteDoc(policyKey(bucket))
}

var _ metadata.Store = (*Store)(nil)
