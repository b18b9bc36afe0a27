package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EmbeddingStatus tracks where a document is in the embedding pipeline.
type EmbeddingStatus string

const (
	EmbeddingStatusNone       EmbeddingStatus = "none"
	EmbeddingStatusPending    EmbeddingStatus = "pending"
	EmbeddingStatusProcessing EmbeddingStatus = "processing"
	EmbeddingStatusCompleted  EmbeddingStatus = "completed"
	EmbeddingStatusFailed     EmbeddingStatus = "failed"
)

// Document is the normalized cross-source unit of indexing. Connectors map
// source objects (contacts, pages, files, mail) into this shape and emit
// them through the sync runtime.
type Document struct {
	// ID is the unique document identifier (UUID).
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ExternalID is the globally unique business key in the form
	// "{source}:{type}:{id}". Re-emission upserts by this key.
	ExternalID string `gorm:"type:varchar(512);uniqueIndex;not null" json:"external_id"`

	// SourceID references the source configuration this document came from.
	SourceID uuid.UUID `gorm:"type:uuid;not null;index" json:"source_id"`

	Title    string `gorm:"type:varchar(1024)" json:"title"`
	MimeType string `gorm:"type:varchar(255)" json:"mime_type"`
	URL      string `gorm:"type:varchar(2048)" json:"url,omitempty"`

	// Author and source-side timestamps; all optional.
	Author          string     `gorm:"type:varchar(512)" json:"author,omitempty"`
	SourceCreatedAt *time.Time `json:"source_created_at,omitempty"`
	SourceUpdatedAt *time.Time `json:"source_updated_at,omitempty"`

	// Public indicates the document is visible without an access check.
	Public bool `gorm:"default:false" json:"public"`

	// AccessList holds optional per-principal access entries.
	AccessList JSON `gorm:"type:text" json:"access_list,omitempty"`

	// Attributes is the open source-specific mapping.
	Attributes JSON `gorm:"type:text" json:"attributes,omitempty"`

	// ContentID references the ContentBlob holding the raw text. The
	// document does not own the bytes; the content store does.
	ContentID string `gorm:"type:varchar(64);index" json:"content_id,omitempty"`

	// EmbeddingStatus is the document's place in the embedding pipeline.
	EmbeddingStatus EmbeddingStatus `gorm:"type:varchar(20);default:'none'" json:"embedding_status"`
}

func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.EmbeddingStatus == "" {
		d.EmbeddingStatus = EmbeddingStatusNone
	}
	return nil
}

func (Document) TableName() string {
	return "documents"
}

// Get retrieves a document by ID.
func (d *Document) Get(db *gorm.DB) error {
	return db.First(d, "id = ?", d.ID).Error
}

// GetByExternalID retrieves a document by its external ID.
func (d *Document) GetByExternalID(db *gorm.DB) error {
	return db.First(d, "external_id = ?", d.ExternalID).Error
}

// Upsert inserts the document or, when a row with the same external_id
// already exists, updates it in place. Returns whether the content
// reference changed, which callers use to decide on re-embedding.
func (d *Document) Upsert(db *gorm.DB) (contentChanged bool, err error) {
	if d.ExternalID == "" {
		return false, fmt.Errorf("document external_id is required")
	}

	var existing Document
	err = db.Where("external_id = ?", d.ExternalID).First(&existing).Error
	switch {
	case err == nil:
		contentChanged = existing.ContentID != d.ContentID
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
		// A content change invalidates whatever embeddings exist.
		if !contentChanged {
			d.EmbeddingStatus = existing.EmbeddingStatus
		}
		return contentChanged, db.Model(&existing).
			Select("*").
			Omit("id", "created_at").
			Updates(d).
			Error
	case err == gorm.ErrRecordNotFound:
		return true, db.Create(d).Error
	default:
		return false, err
	}
}

// UpdateDocumentsEmbeddingStatus sets the embedding status for a set of documents.
func UpdateDocumentsEmbeddingStatus(db *gorm.DB, ids []uuid.UUID, status EmbeddingStatus) error {
	if len(ids) == 0 {
		return nil
	}
	return db.Model(&Document{}).
		Where("id IN ?", ids).
		Update("embedding_status", status).
		Error
}

// Documents is a slice of documents.
type Documents []Document

// FindBySource retrieves all documents for a source.
func (ds *Documents) FindBySource(db *gorm.DB, sourceID uuid.UUID) error {
	return db.Where("source_id = ?", sourceID).Find(ds).Error
}

// CountBySource counts documents for a source.
func CountDocumentsBySource(db *gorm.DB, sourceID uuid.UUID) (int64, error) {
	var n int64
	err := db.Model(&Document{}).Where("source_id = ?", sourceID).Count(&n).Error
	return n, err
}
