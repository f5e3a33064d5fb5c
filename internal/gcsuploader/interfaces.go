package gcsuploader

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/finance-warehouse/internal/gcs"
)

// StorageService is re-exported from the shared package.
type StorageService = gcs.StorageService

var _ StorageService = (*GCSStorageService)(nil)

// GCSStorageService is the concrete implementation of StorageService
// that interacts with Google Cloud Storage.
type GCSStorageService struct {
	client *storage.Client
}

// NewGCSStorageService creates a storage client using Application Default Credentials.
func NewGCSStorageService(ctx context.Context) (*GCSStorageService, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStorageService{client: client}, nil
}

// NewGCSStorageServiceWithClient wraps an existing client.
func NewGCSStorageServiceWithClient(client *storage.Client) *GCSStorageService {
	return &GCSStorageService{client: client}
}

// Close releases the storage client.
func (s *GCSStorageService) Close() error {
	return s.client.Close()
}

func (s *GCSStorageService) object(uri string) (*storage.ObjectHandle, error) {
	bucket, object, err := gcs.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(bucket).Object(object), nil
}
