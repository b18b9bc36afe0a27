package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QueueItemStatus tracks an embedding queue item's lifecycle.
// Transitions run pending -> batched -> processing -> completed|failed.
// Terminal states are absorbing; retries create a fresh pending row.
type QueueItemStatus string

const (
	QueueItemStatusPending    QueueItemStatus = "pending"
	QueueItemStatusBatched    QueueItemStatus = "batched"
	QueueItemStatusProcessing QueueItemStatus = "processing"
	QueueItemStatusCompleted  QueueItemStatus = "completed"
	QueueItemStatusFailed     QueueItemStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s QueueItemStatus) Terminal() bool {
	return s == QueueItemStatusCompleted || s == QueueItemStatusFailed
}

// EmbeddingQueueItem is a work ticket for producing embeddings for one
// document. At most one live (non-terminal) row exists per document.
type EmbeddingQueueItem struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`

	// DocumentID references the document to embed.
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`

	Status QueueItemStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`

	// BatchJobID is set once the item has been assigned to a batch.
	BatchJobID *uuid.UUID `gorm:"type:uuid;index" json:"batch_job_id,omitempty"`

	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
}

func (i *EmbeddingQueueItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.Status == "" {
		i.Status = QueueItemStatusPending
	}
	return nil
}

func (EmbeddingQueueItem) TableName() string {
	return "embedding_queue"
}

// EmbeddingQueueItems is a slice of queue items.
type EmbeddingQueueItems []EmbeddingQueueItem

// IDs returns the item IDs.
func (is EmbeddingQueueItems) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(is))
	for _, i := range is {
		ids = append(ids, i.ID)
	}
	return ids
}

// DocumentIDs returns the distinct document IDs across the items.
func (is EmbeddingQueueItems) DocumentIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(is))
	ids := make([]uuid.UUID, 0, len(is))
	for _, i := range is {
		if _, ok := seen[i.DocumentID]; ok {
			continue
		}
		seen[i.DocumentID] = struct{}{}
		ids = append(ids, i.DocumentID)
	}
	return ids
}

// FindByBatch retrieves all queue items assigned to a batch job.
func (is *EmbeddingQueueItems) FindByBatch(db *gorm.DB, batchID uuid.UUID) error {
	return db.Where("batch_job_id = ?", batchID).
		Order("created_at ASC").
		Find(is).
		Error
}
