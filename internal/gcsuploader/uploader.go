package gcsuploader

import (
	"context"
	"fmt"
	"io"
	"time"
)

// UploadTimeout bounds a single object upload.
const UploadTimeout = 5 * time.Minute

// Upload writes r to the object at the given gs:// URI, replacing it.
// It assumes Application Default Credentials are configured (gcloud auth application-default login).
func (s *GCSStorageService) Upload(ctx context.Context, uri string, r io.Reader, contentType string) error {
	obj, err := s.object(uri)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()

	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		// Cancelling before Close aborts the upload.
		cancel()
		_ = w.Close()
		return fmt.Errorf("copy to GCS writer %s: %w", uri, err)
	}

	// Close to finalize the upload
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload %s: %w", uri, err)
	}
	return nil
}
