// Package content stores raw document text behind an opaque content ID.
// Bytes live either in the object store or inline in the database; the blob
// row records which, and reads dispatch on it. Writes are addressed by the
// caller: the pipeline never assumes content is de-duplicated.
package content

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/dydact/omni/pkg/models"
	"github.com/dydact/omni/pkg/storage"
)

// Store persists and retrieves content blobs.
type Store struct {
	db      *gorm.DB
	objects storage.ObjectStore
	backend models.StorageBackend
	logger  hclog.Logger
}

// New creates a content store writing to the given backend. An object store
// is required iff the backend is object_store.
func New(db *gorm.DB, backend models.StorageBackend, objects storage.ObjectStore, logger hclog.Logger) (*Store, error) {
	switch backend {
	case models.StorageBackendObjectStore:
		if objects == nil {
			return nil, fmt.Errorf("object_store backend requires an object store")
		}
	case models.StorageBackendRelational:
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		db:      db,
		objects: objects,
		backend: backend,
		logger:  logger.Named("content"),
	}, nil
}

// Save writes the bytes and returns the new content ID. Blobs are immutable;
// a new document version gets a new blob.
func (s *Store) Save(ctx context.Context, data []byte, mimeType string) (string, error) {
	blob := &models.ContentBlob{
		ID:             uuid.New(),
		StorageBackend: s.backend,
		MimeType:       mimeType,
	}

	switch s.backend {
	case models.StorageBackendObjectStore:
		key := "content/" + blob.ID.String()
		if err := s.objects.Upload(ctx, key, data); err != nil {
			return "", fmt.Errorf("failed to upload content: %w", err)
		}
		blob.StorageKey = key
	case models.StorageBackendRelational:
		blob.Content = data
	}

	if err := blob.Create(s.db); err != nil {
		return "", fmt.Errorf("failed to create content blob: %w", err)
	}

	s.logger.Debug("saved content blob",
		"content_id", blob.ID,
		"backend", s.backend,
		"bytes", len(data),
	)
	return blob.ID.String(), nil
}

// Load reads the bytes for a content ID, dispatching on the backend the
// blob was written with, not the store's configured backend. A deployment
// can switch backends without stranding old blobs.
func (s *Store) Load(ctx context.Context, contentID string) ([]byte, error) {
	id, err := uuid.Parse(contentID)
	if err != nil {
		return nil, fmt.Errorf("invalid content ID %q: %w", contentID, err)
	}

	blob := &models.ContentBlob{ID: id}
	if err := blob.Get(s.db); err != nil {
		return nil, fmt.Errorf("failed to load content blob %s: %w", contentID, err)
	}

	switch blob.StorageBackend {
	case models.StorageBackendObjectStore:
		if s.objects == nil {
			return nil, fmt.Errorf("content blob %s lives in the object store but none is configured", contentID)
		}
		data, err := s.objects.Download(ctx, blob.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("failed to download content %s: %w", contentID, err)
		}
		return data, nil
	case models.StorageBackendRelational:
		return blob.Content, nil
	default:
		return nil, fmt.Errorf("content blob %s has unknown backend %q", contentID, blob.StorageBackend)
	}
}
