package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Vector is a fixed-length float32 embedding stored as a JSON array. The
// JSON encoding keeps the column portable between postgres and sqlite; a
// pgvector column is a deployment concern layered on via migration.
type Vector []float32

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	data, err := json.Marshal([]float32(v))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vector: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(value interface{}) error {
	var bytes []byte
	switch t := value.(type) {
	case []byte:
		bytes = t
	case string:
		bytes = []byte(t)
	case nil:
		*v = nil
		return nil
	default:
		return errors.New("failed to scan vector: unsupported type")
	}
	return json.Unmarshal(bytes, (*[]float32)(v))
}

// Embedding is one chunk's vector. The chunk is identified by its index and
// its half-open character span into the document content, so the chunk text
// can always be reconstructed from the blob.
type Embedding struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`

	DocumentID uuid.UUID `gorm:"type:uuid;not null;index:idx_embeddings_doc_chunk,unique" json:"document_id"`

	// ChunkIndex is the ordinal of the chunk within the document, starting
	// at 0 with no gaps.
	ChunkIndex int `gorm:"not null;index:idx_embeddings_doc_chunk,unique" json:"chunk_index"`

	// ChunkStartOffset/ChunkEndOffset are character offsets into the
	// content, half-open: [start, end).
	ChunkStartOffset int `gorm:"not null" json:"chunk_start_offset"`
	ChunkEndOffset   int `gorm:"not null" json:"chunk_end_offset"`

	Embedding Vector `gorm:"type:text;not null" json:"embedding"`

	// ModelName records which model produced the vector.
	ModelName string `gorm:"type:varchar(255);not null" json:"model_name"`
}

func (e *Embedding) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func (Embedding) TableName() string {
	return "embeddings"
}

// Embeddings is a slice of embeddings.
type Embeddings []Embedding

// FindByDocument retrieves all embeddings for a document ordered by chunk
// index.
func (es *Embeddings) FindByDocument(db *gorm.DB, documentID uuid.UUID) error {
	return db.Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(es).
		Error
}

// ReplaceForDocuments atomically replaces the embedding sets for the given
// documents: delete-then-insert inside one transaction, so a reader never
// observes a mix of old and new chunks.
func ReplaceForDocuments(db *gorm.DB, documentIDs []uuid.UUID, rows Embeddings) error {
	if len(documentIDs) == 0 {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id IN ?", documentIDs).
			Delete(&Embedding{}).Error; err != nil {
			return fmt.Errorf("failed to delete existing embeddings: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, 500).Error; err != nil {
			return fmt.Errorf("failed to insert embeddings: %w", err)
		}
		return nil
	})
}
