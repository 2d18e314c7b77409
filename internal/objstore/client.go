// Package objstore is the object-store adapter (spec.md §4.1, C1): list,
// head, get, put, delete, copy, and streaming download over a bucket+key
// namespace. It resolves "s3://bucket/key" and "bucket/key" identically and
// paginates listings transparently.
package objstore

import (
	"context"
	"io"
	"strings"
)

// URI identifies one object by bucket and key.
type URI struct {
	Bucket string
	Key    string
}

// String renders the URI in s3:// form.
func (u URI) String() string {
	return "s3://" + u.Bucket + "/" + u.Key
}

// ParseURI accepts either "s3://bucket/key" or "bucket/key" and returns the
// (bucket, key) pair. Per spec.md §4.1 both forms resolve identically.
func ParseURI(raw string) URI {
	s := strings.TrimPrefix(raw, "s3://")
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 1 {
		return URI{Bucket: parts[0]}
	}
	return URI{Bucket: parts[0], Key: parts[1]}
}

// Join builds a URI from a bucket and a key, joining the key from parts.
func Join(bucket string, parts ...string) URI {
	return URI{Bucket: bucket, Key: strings.Join(parts, "/")}
}

// WithKey returns a copy of the URI with the given key, same bucket.
func (u URI) WithKey(key string) URI {
	return URI{Bucket: u.Bucket, Key: key}
}

// ListFilter restricts List to keys passing the predicate, applied after
// the prefix filter and before pagination is exhausted.
type ListFilter func(key string) bool

// Client is the object-store adapter surface consumed by the rest of the
// loader. Every method is context-first and retries transient failures
// internally (internal/retry) before returning
// internal/errs.ErrObjectStoreUnavailable.
type Client interface {
	// List returns every object under bucket/prefix, across all pages of
	// the underlying listing API. Zero-byte entries are treated as absent
	// and excluded, matching spec.md §4.1.
	List(ctx context.Context, bucket, prefix string, filter ListFilter) ([]URI, error)

	// Exists reports whether uri names a non-zero-byte object.
	Exists(ctx context.Context, uri URI) (bool, error)

	// Get opens a streaming reader for uri. Callers must Close it.
	Get(ctx context.Context, uri URI) (io.ReadCloser, error)

	// Put uploads the contents of localPath to uri. extra carries
	// provider-specific metadata (e.g. content-type); may be nil.
	Put(ctx context.Context, localPath string, uri URI, extra map[string]string) error

	// PutBytes uploads an in-memory payload to uri.
	PutBytes(ctx context.Context, data []byte, uri URI) error

	// Download streams uri to localPath.
	Download(ctx context.Context, uri URI, localPath string) error

	// Delete removes uri. Deleting a missing object is not an error.
	Delete(ctx context.Context, uri URI) error

	// Copy server-side copies src to dst.
	Copy(ctx context.Context, src, dst URI) error
}
