// Package storage defines the object-byte storage boundary: put, get
// (with optional byte range), delete, size, and multipart part staging and
// assembly. Metadata about objects
// lives in internal/metadata; this package only moves bytes.
package storage

import (
	"context"
	"io"
)

// Backend is the object-byte storage contract. The one production
// implementation is internal/storage/fs.
type Backend interface {
	// Put streams data (exactly size bytes) into bucket/key, returning the
	// hex MD5 ETag of the written content.
	Put(ctx context.Context, bucket, key string, data io.Reader, size int64) (etag string, err error)

	// Get opens bucket/key for reading, honoring rng if non-nil. The
	// caller must Close the returned ReadCloser.
	Get(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, int64, error)

	// Delete removes bucket/key. Deleting an absent key is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// Size reports the stored size of bucket/key.
	Size(ctx context.Context, bucket, key string) (int64, error)

	// PutPart and concatenation support for multipart uploads.
	PutPart(ctx context.Context, uploadID string, partNumber int, data io.Reader, size int64) (etag string, err error)
	ConcatenateParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (etag string, size int64, err error)
	AbortParts(ctx context.Context, uploadID string, partNumbers []int) error

	Close() error
}

// Range is an inclusive byte range, [Start, End]. End == -1 means "to EOF".
type Range struct {
	Start int64
	End   int64 // inclusive; -1 means open-ended
}

// ParseRange parses an HTTP Range header value of the form
// "bytes=start-end", "bytes=start-", or "bytes=-suffixLength" against a
// known total size. It returns (nil, nil) for an absent/unparseable header
// (callers should just serve the full object), and a non-nil error only
// when the header parses but is unsatisfiable against size.
func ParseRange(header string, size int64) (*Range, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, nil
	}
	spec := header[len(prefix):]
	dash := -1
	for i, c := range spec {
		if c == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		return nil, nil
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// suffix range: last N bytes
		n, err := parseInt64(endStr)
		if err != nil {
			return nil, nil
		}
		if n <= 0 {
			return nil, ErrUnsatisfiableRange
		}
		if n > size {
			n = size
		}
		return &Range{Start: size - n, End: size - 1}, nil
	}

	start, err := parseInt64(startStr)
	if err != nil {
		return nil, nil
	}
	if start >= size {
		return nil, ErrUnsatisfiableRange
	}
	if endStr == "" {
		return &Range{Start: start, End: size - 1}, nil
	}
	end, err := parseInt64(endStr)
	if err != nil {
		return nil, nil
	}
	if end >= size {
		end = size - 1
	}
	if end < start {
		return nil, ErrUnsatisfiableRange
	}
	return &Range{Start: start, End: end}, nil
}

func parseInt64(s string) (int64, error) {
	var n int64
	if s == "" {
		return 0, errEmpty
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errEmpty
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

var errEmpty = ioEOFError("empty or non-numeric range component")

type ioEOFError string

func (e ioEOFError) Error() string { return string(e) }

// ErrUnsatisfiableRange signals that a parsed Range cannot be honored
// against the object's actual size (the caller should respond 416).
var ErrUnsatisfiableRange = ioEOFError("requested range not satisfiable")
