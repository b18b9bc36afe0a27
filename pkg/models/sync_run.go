package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncType distinguishes full enumeration from watermark-driven syncs.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

// SyncRunStatus tracks one execution of a connector's sync.
type SyncRunStatus string

const (
	SyncRunStatusRunning   SyncRunStatus = "running"
	SyncRunStatusCompleted SyncRunStatus = "completed"
	SyncRunStatusFailed    SyncRunStatus = "failed"
	SyncRunStatusCancelled SyncRunStatus = "cancelled"
)

// SyncRun records one execution of a connector's sync for one source.
type SyncRun struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SourceID uuid.UUID `gorm:"type:uuid;not null;index" json:"source_id"`

	SyncType SyncType      `gorm:"type:varchar(20);not null" json:"sync_type"`
	Status   SyncRunStatus `gorm:"type:varchar(20);not null;default:'running';index" json:"status"`

	// DocumentsScanned counts objects examined; DocumentsEmitted counts
	// documents actually emitted into the pipeline.
	DocumentsScanned int64 `gorm:"default:0" json:"documents_scanned"`
	DocumentsEmitted int64 `gorm:"default:0" json:"documents_emitted"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r *SyncRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = SyncRunStatusRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	return nil
}

func (SyncRun) TableName() string {
	return "sync_runs"
}

// Get retrieves a sync run by ID.
func (r *SyncRun) Get(db *gorm.DB) error {
	return db.First(r, "id = ?", r.ID).Error
}

// Create creates a new sync run in the database.
func (r *SyncRun) Create(db *gorm.DB) error {
	return db.Create(r).Error
}

// IncrementScanned bumps the scanned counter.
func (r *SyncRun) IncrementScanned(db *gorm.DB) error {
	r.DocumentsScanned++
	return db.Model(r).
		Update("documents_scanned", gorm.Expr("documents_scanned + 1")).
		Error
}

// IncrementEmitted bumps the emitted counter.
func (r *SyncRun) IncrementEmitted(db *gorm.DB) error {
	r.DocumentsEmitted++
	return db.Model(r).
		Update("documents_emitted", gorm.Expr("documents_emitted + 1")).
		Error
}

// Finish marks the run terminal with the given status and optional error.
func (r *SyncRun) Finish(db *gorm.DB, status SyncRunStatus, errMsg string) error {
	now := time.Now().UTC()
	r.Status = status
	r.ErrorMessage = errMsg
	r.CompletedAt = &now
	return db.Model(r).Updates(map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
		"completed_at":  now,
	}).Error
}

// HasRunningSync reports whether a source already has a sync in flight.
func HasRunningSync(db *gorm.DB, sourceID uuid.UUID) (bool, error) {
	var n int64
	err := db.Model(&SyncRun{}).
		Where("source_id = ? AND status = ?", sourceID, SyncRunStatusRunning).
		Count(&n).
		Error
	return n > 0, err
}

// SyncRuns is a slice of sync runs.
type SyncRuns []SyncRun

// FindStale retrieves running syncs started before the cutoff, used to fail
// runs whose process died without finalizing.
func (rs *SyncRuns) FindStale(db *gorm.DB, cutoff time.Time) error {
	return db.Where("status = ? AND started_at < ?", SyncRunStatusRunning, cutoff).
		Find(rs).
		Error
}

// SyncRunError is a per-object failure recorded during a sync. The run can
// still complete; these rows surface what was skipped.
type SyncRunError struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`

	SyncRunID uuid.UUID `gorm:"type:uuid;not null;index" json:"sync_run_id"`

	// ExternalID identifies the object that failed, in connector form.
	ExternalID string `gorm:"type:varchar(512)" json:"external_id"`

	Message string `gorm:"type:text" json:"message"`
}

func (e *SyncRunError) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func (SyncRunError) TableName() string {
	return "sync_run_errors"
}

// SyncRunErrors is a slice of sync run errors.
type SyncRunErrors []SyncRunError

// FindByRun retrieves the per-object errors recorded for a run.
func (es *SyncRunErrors) FindByRun(db *gorm.DB, runID uuid.UUID) error {
	return db.Where("sync_run_id = ?", runID).Order("created_at ASC").Find(es).Error
}
