// Package storage abstracts the object store holding batch inference
// manifests and object-store-backed content blobs. Two implementations: S3
// (or any S3-compatible endpoint such as MinIO) for production and an
// afero-backed local store for tests and single-node deploys.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// ObjectStore is the narrow surface the pipeline needs: write a blob, read
// it back, and enumerate keys under a prefix.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// UploadJSONL marshals each record onto its own line and uploads the result.
func UploadJSONL[T any](ctx context.Context, store ObjectStore, key string, records []T) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	return store.Upload(ctx, key, buf.Bytes())
}

// DownloadJSONL downloads an object and splits it into non-empty lines.
// Lines are returned raw; the caller decides how to decode each one, since
// batch output mixes success and error records.
func DownloadJSONL(ctx context.Context, store ObjectStore, key string) ([][]byte, error) {
	data, err := store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	raw := bytes.Split(data, []byte("\n"))
	lines := make([][]byte, 0, len(raw))
	for _, line := range raw {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
