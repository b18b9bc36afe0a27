// Package queue is the durable FIFO of documents waiting to be embedded.
// Rows move pending -> batched -> processing -> completed|failed; terminal
// rows accumulate as history and retries create fresh pending rows.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/dydact/omni/pkg/models"
)

// Queue wraps the embedding_queue table.
type Queue struct {
	db     *gorm.DB
	logger hclog.Logger
}

// New creates a queue over the given database.
func New(db *gorm.DB, logger hclog.Logger) *Queue {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Queue{db: db, logger: logger.Named("queue")}
}

// Enqueue inserts a pending row for the document. If a live (non-terminal)
// row already exists, the call is a no-op, keeping exactly one live row per
// document.
func (q *Queue) Enqueue(documentID uuid.UUID) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&models.EmbeddingQueueItem{}).
			Where("document_id = ? AND status IN ?", documentID, []models.QueueItemStatus{
				models.QueueItemStatusPending,
				models.QueueItemStatusBatched,
				models.QueueItemStatusProcessing,
			}).
			Count(&n).
			Error
		if err != nil {
			return fmt.Errorf("failed to check live queue rows: %w", err)
		}
		if n > 0 {
			return nil
		}
		item := &models.EmbeddingQueueItem{
			DocumentID: documentID,
			Status:     models.QueueItemStatusPending,
		}
		if err := tx.Create(item).Error; err != nil {
			return fmt.Errorf("failed to enqueue document %s: %w", documentID, err)
		}
		return nil
	})
}

// ClaimPending selects up to limit pending rows not yet assigned to a
// batch, oldest first.
func (q *Queue) ClaimPending(limit int) (models.EmbeddingQueueItems, error) {
	var items models.EmbeddingQueueItems
	err := q.db.Where("status = ? AND batch_job_id IS NULL", models.QueueItemStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&items).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending items: %w", err)
	}
	return items, nil
}

// AssignToBatch binds the items to a batch and marks them batched, in one
// transaction. Only pending unassigned rows are eligible; assigning a row
// some other writer already took is an error.
func (q *Queue) AssignToBatch(batchID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return q.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.EmbeddingQueueItem{}).
			Where("id IN ? AND status = ? AND batch_job_id IS NULL", ids, models.QueueItemStatusPending).
			Updates(map[string]interface{}{
				"batch_job_id": batchID,
				"status":       models.QueueItemStatusBatched,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to assign items to batch %s: %w", batchID, result.Error)
		}
		if result.RowsAffected != int64(len(ids)) {
			return fmt.Errorf("assigned %d of %d items to batch %s: concurrent assignment",
				result.RowsAffected, len(ids), batchID)
		}
		return nil
	})
}

// MarkProcessing transitions every item in a batch to processing, at
// submission time.
func (q *Queue) MarkProcessing(batchID uuid.UUID) error {
	err := q.db.Model(&models.EmbeddingQueueItem{}).
		Where("batch_job_id = ? AND status = ?", batchID, models.QueueItemStatusBatched).
		Update("status", models.QueueItemStatusProcessing).
		Error
	if err != nil {
		return fmt.Errorf("failed to mark batch %s processing: %w", batchID, err)
	}
	return nil
}

// MarkCompleted terminally completes the items.
func (q *Queue) MarkCompleted(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.db.Model(&models.EmbeddingQueueItem{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":       models.QueueItemStatusCompleted,
			"processed_at": time.Now().UTC(),
		}).
		Error
	if err != nil {
		return fmt.Errorf("failed to mark items completed: %w", err)
	}
	return nil
}

// MarkFailed terminally fails the items with the given message.
func (q *Queue) MarkFailed(ids []uuid.UUID, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.db.Model(&models.EmbeddingQueueItem{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":        models.QueueItemStatusFailed,
			"processed_at":  time.Now().UTC(),
			"error_message": errMsg,
		}).
		Error
	if err != nil {
		return fmt.Errorf("failed to mark items failed: %w", err)
	}
	return nil
}

// Stats returns the row count per status.
func (q *Queue) Stats() (map[models.QueueItemStatus]int64, error) {
	var rows []struct {
		Status models.QueueItemStatus
		N      int64
	}
	err := q.db.Model(&models.EmbeddingQueueItem{}).
		Select("status, count(*) as n").
		Group("status").
		Find(&rows).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	stats := make(map[models.QueueItemStatus]int64, len(rows))
	for _, r := range rows {
		stats[r.Status] = r.N
	}
	return stats, nil
}

// RequeueFailed creates fresh pending rows for documents whose items failed.
// The failed rows stay as history; this is the explicit retry path.
func (q *Queue) RequeueFailed(documentIDs []uuid.UUID) (int, error) {
	requeued := 0
	for _, docID := range documentIDs {
		var failed int64
		err := q.db.Model(&models.EmbeddingQueueItem{}).
			Where("document_id = ? AND status = ?", docID, models.QueueItemStatusFailed).
			Count(&failed).
			Error
		if err != nil {
			return requeued, fmt.Errorf("failed to look up failed items for %s: %w", docID, err)
		}
		if failed == 0 {
			continue
		}
		if err := q.Enqueue(docID); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}
