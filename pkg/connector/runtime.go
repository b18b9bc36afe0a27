package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/dydact/omni/pkg/content"
	"github.com/dydact/omni/pkg/models"
	"github.com/dydact/omni/pkg/queue"
)

// Runtime is the database-backed SyncContext handed to in-process
// connectors and to the callback API for remote ones. It reflects the
// connector's calls onto the sync run row, the document and content stores,
// the embedding queue and the event outbox.
type Runtime struct {
	db       *gorm.DB
	contents *content.Store
	queue    *queue.Queue
	source   *models.Source
	run      *models.SyncRun
	logger   hclog.Logger

	// startedAt is recorded as last_synced_at on completion. The start
	// time, not the end time, so modifications made while the sync ran are
	// picked up by the next one.
	startedAt time.Time

	cancelled atomic.Bool

	mu        sync.Mutex
	finalized bool
}

// NewRuntime creates the runtime for one sync run.
func NewRuntime(db *gorm.DB, contents *content.Store, q *queue.Queue,
	source *models.Source, run *models.SyncRun, logger hclog.Logger) *Runtime {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Runtime{
		db:        db,
		contents:  contents,
		queue:     q,
		source:    source,
		run:       run,
		logger:    logger.Named("sync-run").With("sync_run_id", run.ID, "source", source.Name),
		startedAt: run.StartedAt,
	}
}

// Run returns the sync run row the runtime reflects onto.
func (r *Runtime) Run() *models.SyncRun { return r.run }

// RunID identifies the sync run, used to derive the callback endpoint for
// remote connectors.
func (r *Runtime) RunID() uuid.UUID { return r.run.ID }

// Cancel signals cancellation. Cooperative: the connector observes it
// through IsCancelled and finalizes itself.
func (r *Runtime) Cancel() {
	r.cancelled.Store(true)
}

// IsCancelled reports whether Cancel was called.
func (r *Runtime) IsCancelled() bool {
	return r.cancelled.Load()
}

// SourceType returns the source type the connector should sync as.
func (r *Runtime) SourceType() string {
	return r.source.SourceType
}

// Emit upserts the document by external ID and enqueues it for embedding
// when its content changed or it has never completed embedding. An outbox
// event is written in the same transaction as the upsert.
func (r *Runtime) Emit(ctx context.Context, doc Document) error {
	if doc.ExternalID == "" {
		return fmt.Errorf("emitted document has no external ID")
	}

	row := &models.Document{
		ExternalID:      doc.ExternalID,
		SourceID:        r.source.ID,
		Title:           doc.Title,
		MimeType:        doc.MimeType,
		URL:             doc.URL,
		Author:          doc.Author,
		SourceCreatedAt: doc.CreatedAt,
		SourceUpdatedAt: doc.UpdatedAt,
		Public:          doc.Public,
		ContentID:       doc.ContentID,
		EmbeddingStatus: models.EmbeddingStatusPending,
	}
	if len(doc.AccessList) > 0 {
		data, err := json.Marshal(doc.AccessList)
		if err != nil {
			return fmt.Errorf("failed to marshal access list: %w", err)
		}
		row.AccessList = models.JSON(data)
	}
	if doc.Attributes != nil {
		attrs, err := models.JSONMap(doc.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
		row.Attributes = attrs
	}

	var existed bool
	var contentChanged bool
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Document{}).
			Where("external_id = ?", doc.ExternalID).
			Count(&n).Error; err != nil {
			return err
		}
		existed = n > 0

		var err error
		contentChanged, err = row.Upsert(tx)
		if err != nil {
			return fmt.Errorf("failed to upsert document %s: %w", doc.ExternalID, err)
		}

		eventType := models.DocumentEventCreated
		if existed {
			eventType = models.DocumentEventUpdated
		}
		event, err := models.NewDocumentEvent(row, eventType)
		if err != nil {
			return err
		}
		return event.CreateIfAbsent(tx)
	})
	if err != nil {
		return err
	}

	if contentChanged || row.EmbeddingStatus != models.EmbeddingStatusCompleted {
		if err := r.queue.Enqueue(row.ID); err != nil {
			return err
		}
	}

	if err := r.run.IncrementEmitted(r.db); err != nil {
		return err
	}

	r.logger.Debug("emitted document",
		"external_id", doc.ExternalID,
		"content_changed", contentChanged,
	)
	return nil
}

// SaveContent writes the bytes through the content store.
func (r *Runtime) SaveContent(ctx context.Context, data []byte, mimeType string) (string, error) {
	return r.contents.Save(ctx, data, mimeType)
}

// IncrementScanned bumps the scanned counter.
func (r *Runtime) IncrementScanned() error {
	return r.run.IncrementScanned(r.db)
}

// EmitError records a per-object failure without failing the run.
func (r *Runtime) EmitError(externalID, message string) error {
	r.logger.Warn("object sync error", "external_id", externalID, "error", message)
	e := &models.SyncRunError{
		SyncRunID:  r.run.ID,
		ExternalID: externalID,
		Message:    message,
	}
	return r.db.Create(e).Error
}

// SaveState checkpoints the connector state. Last write wins.
func (r *Runtime) SaveState(state map[string]interface{}) error {
	data, err := models.JSONMap(state)
	if err != nil {
		return fmt.Errorf("failed to marshal connector state: %w", err)
	}
	return r.source.SaveState(r.db, data)
}

// Complete finalizes the run successfully, records the final state and sets
// last_synced_at to the sync's start time.
func (r *Runtime) Complete(newState map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil
	}
	r.finalized = true

	if newState != nil {
		if err := r.SaveState(newState); err != nil {
			return err
		}
	}
	if err := r.run.Finish(r.db, models.SyncRunStatusCompleted, ""); err != nil {
		return err
	}
	if err := r.source.MarkSynced(r.db, r.startedAt); err != nil {
		return err
	}
	r.logger.Info("sync completed",
		"scanned", r.run.DocumentsScanned,
		"emitted", r.run.DocumentsEmitted,
	)
	return nil
}

// Fail finalizes the run as failed. The connector state is left unchanged,
// so the next sync resumes from the last checkpoint.
func (r *Runtime) Fail(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil
	}
	r.finalized = true

	r.logger.Warn("sync failed", "reason", reason)
	return r.run.Finish(r.db, models.SyncRunStatusFailed, reason)
}

// Finalized reports whether Complete or Fail has been called.
func (r *Runtime) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}
