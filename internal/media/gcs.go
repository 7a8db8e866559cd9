// Package media stores photo evidence in Google Cloud Storage.
package media

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

type GCSUploader struct {
	client *storage.Client
	bucket string
}

func NewGCSUploader(ctx context.Context, bucket string) (*GCSUploader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket}, nil
}

// Upload writes data to the bucket at path and returns the public object URL.
func (u *GCSUploader) Upload(ctx context.Context, path, contentType string, data []byte) (string, error) {
	w := u.client.Bucket(u.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to write object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize object %s: %w", path, err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", u.bucket, path), nil
}

func (u *GCSUploader) Close() error {
	return u.client.Close()
}
