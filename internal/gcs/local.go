package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage implements StorageService on the local filesystem. URIs are
// plain paths, optionally prefixed with file://.
type LocalStorage struct{}

func localPath(uri string) string {
	return filepath.FromSlash(strings.TrimPrefix(uri, "file://"))
}

func (LocalStorage) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	f, err := os.Open(localPath(uri))
	if err != nil {
		return nil, fmt.Errorf("open file %q: %w", uri, err)
	}
	return f, nil
}

func (s LocalStorage) Fetch(ctx context.Context, uri string) ([]byte, error) {
	data, err := os.ReadFile(localPath(uri))
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", uri, err)
	}
	return data, nil
}

func (LocalStorage) Upload(ctx context.Context, uri string, r io.Reader, contentType string) error {
	p := localPath(uri)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory for %q: %w", uri, err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("create file %q: %w", uri, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write file %q: %w", uri, err)
	}
	return f.Close()
}
