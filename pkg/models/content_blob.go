package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StorageBackend identifies where a content blob's bytes live.
type StorageBackend string

const (
	StorageBackendObjectStore StorageBackend = "object_store"
	StorageBackendRelational  StorageBackend = "relational"
)

// ContentBlob is the raw text payload of a document, stored separately from
// the document row. Blobs are immutable once written; a new document version
// gets a new blob.
type ContentBlob struct {
	// ID is the opaque content identifier assigned on save.
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`

	// StorageBackend selects where the bytes live.
	StorageBackend StorageBackend `gorm:"type:varchar(20);not null" json:"storage_backend"`

	// StorageKey is the object-store key; set iff StorageBackend is
	// object_store.
	StorageKey string `gorm:"type:varchar(1024)" json:"storage_key,omitempty"`

	// Content holds the bytes inline; set iff StorageBackend is relational.
	Content []byte `gorm:"type:bytes" json:"-"`

	MimeType string `gorm:"type:varchar(255)" json:"mime_type"`
}

func (b *ContentBlob) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

func (ContentBlob) TableName() string {
	return "content_blobs"
}

// Get retrieves a content blob by ID.
func (b *ContentBlob) Get(db *gorm.DB) error {
	return db.First(b, "id = ?", b.ID).Error
}

// Create writes the blob row. Blobs are never updated afterwards.
func (b *ContentBlob) Create(db *gorm.DB) error {
	return db.Create(b).Error
}
