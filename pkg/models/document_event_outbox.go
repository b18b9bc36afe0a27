package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Document event types published through the outbox.
const (
	DocumentEventCreated = "document.created"
	DocumentEventUpdated = "document.updated"
)

// Outbox entry statuses.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

// DocumentEventOutbox is a transactional outbox row for document events.
// Rows are written in the same transaction as the document upsert and
// drained by the event relay, giving at-least-once delivery to the bus.
type DocumentEventOutbox struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`

	DocumentID uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`

	// ExternalID is carried for consumers that key on the business ID.
	ExternalID string `gorm:"type:varchar(512);not null" json:"external_id"`

	EventType string `gorm:"type:varchar(50);not null" json:"event_type"`

	// IdempotentKey dedups re-emissions of the same document version.
	IdempotentKey string `gorm:"type:varchar(128);uniqueIndex" json:"idempotent_key"`

	Payload JSON `gorm:"type:text" json:"payload,omitempty"`

	Status       string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
}

func (o *DocumentEventOutbox) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = OutboxStatusPending
	}
	return nil
}

func (DocumentEventOutbox) TableName() string {
	return "document_event_outbox"
}

// NewDocumentEvent builds an outbox entry for a document. The idempotent
// key hashes the external ID, event type and content reference, so
// re-emitting an unchanged document does not produce a second event.
func NewDocumentEvent(doc *Document, eventType string) (*DocumentEventOutbox, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is required")
	}
	h := sha256.Sum256([]byte(doc.ExternalID + "\x00" + eventType + "\x00" + doc.ContentID))
	payload, err := JSONMap(map[string]interface{}{
		"document_id": doc.ID.String(),
		"external_id": doc.ExternalID,
		"source_id":   doc.SourceID.String(),
		"title":       doc.Title,
		"content_id":  doc.ContentID,
	})
	if err != nil {
		return nil, err
	}
	return &DocumentEventOutbox{
		DocumentID:    doc.ID,
		ExternalID:    doc.ExternalID,
		EventType:     eventType,
		IdempotentKey: hex.EncodeToString(h[:]),
		Payload:       payload,
	}, nil
}

// CreateIfAbsent writes the entry unless one with the same idempotent key
// already exists.
func (o *DocumentEventOutbox) CreateIfAbsent(tx *gorm.DB) error {
	var existing DocumentEventOutbox
	err := tx.Where("idempotent_key = ?", o.IdempotentKey).First(&existing).Error
	switch {
	case err == nil:
		return nil
	case err == gorm.ErrRecordNotFound:
		return tx.Create(o).Error
	default:
		return err
	}
}

// MarkPublished records a successful publish.
func (o *DocumentEventOutbox) MarkPublished(db *gorm.DB) error {
	now := time.Now().UTC()
	o.Status = OutboxStatusPublished
	o.PublishedAt = &now
	return db.Model(o).Updates(map[string]interface{}{
		"status":       OutboxStatusPublished,
		"published_at": now,
	}).Error
}

// MarkFailed records a publish failure; the relay may retry later.
func (o *DocumentEventOutbox) MarkFailed(db *gorm.DB, err error) error {
	o.Status = OutboxStatusFailed
	o.ErrorMessage = err.Error()
	return db.Model(o).Updates(map[string]interface{}{
		"status":        OutboxStatusFailed,
		"error_message": o.ErrorMessage,
	}).Error
}

// FindPendingOutboxEntries retrieves pending entries oldest first.
func FindPendingOutboxEntries(db *gorm.DB, limit int) ([]DocumentEventOutbox, error) {
	var entries []DocumentEventOutbox
	err := db.Where("status = ?", OutboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).
		Error
	return entries, err
}
