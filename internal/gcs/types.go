package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Scheme is the URI scheme of Cloud Storage objects.
const Scheme = "gs://"

// StorageService provides object storage operations addressed by URI.
// This interface enables mocking and testing of storage functionality.
type StorageService interface {
	// Open returns a reader over the object at uri.
	Open(ctx context.Context, uri string) (io.ReadCloser, error)

	// Fetch downloads the object bytes at uri.
	Fetch(ctx context.Context, uri string) ([]byte, error)

	// Upload writes r to the object at uri, replacing any previous content.
	Upload(ctx context.Context, uri string, r io.Reader, contentType string) error
}

// IsGCSURI reports whether uri addresses a Cloud Storage object.
func IsGCSURI(uri string) bool {
	return strings.HasPrefix(uri, Scheme)
}

// ParseURI splits gs://bucket/object into bucket and object name.
func ParseURI(uri string) (bucket, object string, err error) {
	if !IsGCSURI(uri) {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, Scheme), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// Join appends path elements to a gs:// prefix or a local directory.
func Join(base string, elems ...string) string {
	if IsGCSURI(base) {
		rest := strings.TrimPrefix(base, Scheme)
		return Scheme + path.Join(append([]string{rest}, elems...)...)
	}
	return path.Join(append([]string{base}, elems...)...)
}

// FileName extracts the last path element of a URI.
// e.g., "gs://bucket/folder/file.csv" → "file.csv"
func FileName(uri string) string {
	trimmed := strings.TrimPrefix(uri, Scheme)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 {
		return trimmed
	}
	return path.Base(parts[1])
}
