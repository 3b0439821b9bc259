// Package metadata defines the ordered-key-value metadata store contract:
// buckets, objects, tags, credentials, multipart uploads and their parts,
// and the three per-bucket configuration documents (CORS, lifecycle,
// policy).
package metadata

import "context"

// Store is the metadata persistence boundary. The one production
// implementation is internal/metadata/pebble.
type Store interface {
	// Buckets
	CreateBucket(ctx context.Context, b *Bucket) error
	GetBucket(ctx context.Context, name string) (*Bucket, error)
	DeleteBucket(ctx context.Context, name string) error
	ListBuckets(ctx context.Context) ([]*Bucket, error)

	// Objects
	PutObject(ctx context.Context, o *Object) error
	GetObject(ctx context.Context, bucket, key string) (*Object, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, bucket string, opts ListOptions) (*ListResult, error)

	// Object tags
	PutObjectTags(ctx context.Context, bucket, key string, tags map[string]string) error
	GetObjectTags(ctx context.Context, bucket, key string) (map[string]string, error)
	DeleteObjectTags(ctx context.Context, bucket, key string) error

	// Credentials
	PutCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, accessKeyID string) (*Credential, error)
	ListCredentials(ctx context.Context) ([]*Credential, error)

	// Multipart uploads
	CreateMultipartUpload(ctx context.Context, u *MultipartUpload) error
	GetMultipartUpload(ctx context.Context, uploadID string) (*MultipartUpload, error)
	DeleteMultipartUpload(ctx context.Context, uploadID string) error
	ListMultipartUploads(ctx context.Context, bucket string) ([]*MultipartUpload, error)
	PutPart(ctx context.Context, p *Part) error
	ListParts(ctx context.Context, uploadID string) ([]*Part, error)
	DeleteParts(ctx context.Context, uploadID string, partNumbers []int) error

	// Bucket configuration documents
	PutBucketCORS(ctx context.Context, bucket string, doc []byte) error
	GetBucketCORS(ctx context.Context, bucket string) ([]byte, error)
	DeleteBucketCORS(ctx context.Context, bucket string) error

	PutBucketLifecycle(ctx context.Context, bucket string, doc []byte) error
	GetBucketLifecycle(ctx context.Context, bucket string) ([]byte, error)
	DeleteBucketLifecycle(ctx context.Context, bucket string) error

	PutBucketPolicy(ctx context.Context, bucket string, doc []byte) error
	GetBucketPolicy(ctx context.Context, bucket string) ([]byte, error)
	DeleteBucketPolicy(ctx context.Context, bucket string) error

	Close() error
}

// Bucket is a bucket's metadata record.
type Bucket struct {
	Name                string
	Owner               string
	Region              string
	CreatedAt           int64 // unix seconds
	AnonymousRead       bool
	AnonymousListPublic bool
}

// Object is an object's metadata record. Object bytes live in the object
// store (internal/storage); this is everything else.
type Object struct {
	Bucket          string
	Key             string
	Size            int64
	ETag            string
	ContentType     string
	ContentEncoding string
	CacheControl    string
	UserMetadata    map[string]string
	Public          bool
	CreatedAt       int64 // unix seconds
}

// Credential is an access-key/secret-key pair.
type Credential struct {
	AccessKeyID string
	SecretKey   string
	Active      bool
}

// MultipartUpload is an in-progress multipart upload header record.
type MultipartUpload struct {
	UploadID     string
	Bucket       string
	Key          string
	ContentType  string
	UserMetadata map[string]string
	Initiated    int64 // unix seconds
}

// Part is one uploaded part of a multipart upload.
type Part struct {
	UploadID   string
	PartNumber int
	ETag       string
	Size       int64
	UploadedAt int64 // unix seconds
}

// ListOptions controls ListObjects pagination/filtering.
type ListOptions struct {
	Prefix            string
	Delimiter         string
	MaxKeys           int
	ContinuationToken string
}

// ListResult is the result of ListObjects.
type ListResult struct {
	Objects               []*Object
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}
