package gcsuploader

import (
	"context"
	"fmt"
	"io"
)

// Open returns a streaming reader over the object at the given gs:// URI.
func (s *GCSStorageService) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	obj, err := s.object(uri)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open GCS object reader %s: %w", uri, err)
	}
	return r, nil
}

// Fetch downloads the object bytes at the given gs:// URI.
func (s *GCSStorageService) Fetch(ctx context.Context, uri string) ([]byte, error) {
	rc, err := s.Open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	return data, nil
}
