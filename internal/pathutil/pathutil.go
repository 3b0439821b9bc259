// Package pathutil validates S3 bucket/key names and maps object keys onto
// filesystem paths without allowing traversal outside the configured root.
package pathutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const maxPathSegmentBytes = 255

var (
	ErrInvalidBucketName = errors.New("invalid bucket name")
	ErrInvalidObjectKey   = errors.New("invalid object key")
)

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
var ipLikeRe = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// ValidateBucketName enforces DNS-compatible bucket naming: 3-63 characters,
// lowercase letters/digits/dot/hyphen, must start and end with a letter or
// digit, no adjacent dots, and must not look like an IPv4 address.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return fmt.Errorf("%w: %q must be 3-63 characters", ErrInvalidBucketName, name)
	}
	if !bucketNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q has invalid characters", ErrInvalidBucketName, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q contains adjacent dots", ErrInvalidBucketName, name)
	}
	if ipLikeRe.MatchString(name) {
		return fmt.Errorf("%w: %q looks like an IP address", ErrInvalidBucketName, name)
	}
	return nil
}

// ValidateObjectKey rejects keys that cannot be mapped to a safe path: empty
// keys, NUL bytes, any "." or ".." path segment, and segments over 255 bytes.
func ValidateObjectKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidObjectKey)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidObjectKey)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: must not start with /", ErrInvalidObjectKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: invalid path segment %q", ErrInvalidObjectKey, seg)
		}
		if len(seg) > maxPathSegmentBytes {
			return fmt.Errorf("%w: path segment exceeds %d bytes", ErrInvalidObjectKey, maxPathSegmentBytes)
		}
	}
	return nil
}

// ObjectPath joins a validated bucket+key onto root, producing a path
// guaranteed (by ValidateObjectKey having already run) to stay within root.
func ObjectPath(root, bucket, key string) string {
	segs := append([]string{root, bucket}, strings.Split(key, "/")...)
	return filepath.Join(segs...)
}

// IsStrictDescendant reports whether candidate, once symlinks in root and in
// candidate's parent directory (which must exist) are resolved, is root or a
// path nested under root. Used as a defense-in-depth check after ObjectPath,
// in case of races with concurrent filesystem mutation.
func IsStrictDescendant(root, candidate string) (bool, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	if rootAbs, err = filepath.EvalSymlinks(rootAbs); err != nil {
		return false, err
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return false, err
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(candAbs))
	if err != nil {
		return false, err
	}
	candAbs = filepath.Join(parent, filepath.Base(candAbs))
	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return false, err
	}
	if rel == "." {
		return true, nil
	}
	return !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel), nil
}
