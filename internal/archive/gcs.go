package archive

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCS writes snapshots to a Google Cloud Storage bucket. Credentials come
// from Application Default Credentials.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCS creates a GCS-backed blob store and verifies bucket access, so a
// misconfigured deployment fails at startup rather than mid-crawl.
func NewGCS(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive.bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client after failed bucket check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check gcs bucket %s: %w", bucket, err)
	}
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

// Put uploads data and returns a gs:// URI.
func (g *GCS) Put(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	object := path
	if g.prefix != "" {
		object = g.prefix + "/" + path
	}
	wc := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		wc.ContentType = contentType
	}
	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			g.logger.Warn("close gcs writer after failed write", zap.Error(closeErr))
		}
		return "", fmt.Errorf("write gcs object %s: %w", object, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("finalize gcs object %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, object), nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
