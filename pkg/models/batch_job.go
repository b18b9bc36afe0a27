package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BatchJobStatus tracks a batch job's lifecycle. The success path is
// pending -> preparing -> submitted -> processing -> completed; any step may
// divert to failed. Terminal states are absorbing.
type BatchJobStatus string

const (
	BatchJobStatusPending    BatchJobStatus = "pending"
	BatchJobStatusPreparing  BatchJobStatus = "preparing"
	BatchJobStatusSubmitted  BatchJobStatus = "submitted"
	BatchJobStatusProcessing BatchJobStatus = "processing"
	BatchJobStatusCompleted  BatchJobStatus = "completed"
	BatchJobStatusFailed     BatchJobStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s BatchJobStatus) Terminal() bool {
	return s == BatchJobStatusCompleted || s == BatchJobStatusFailed
}

// BatchJob is one remote inference job covering the chunks of many
// documents.
type BatchJob struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`

	Status BatchJobStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`

	// Provider names the inference backend the job was submitted to.
	Provider string `gorm:"type:varchar(50);not null" json:"provider"`

	// ExternalJobID is the provider-side job identifier (e.g. a Bedrock
	// job ARN), set at submission.
	ExternalJobID string `gorm:"type:varchar(512)" json:"external_job_id,omitempty"`

	InputStoragePath  string `gorm:"type:varchar(1024)" json:"input_storage_path,omitempty"`
	OutputStoragePath string `gorm:"type:varchar(1024)" json:"output_storage_path,omitempty"`

	// DocumentCount is the number of queue items covered by the job.
	DocumentCount int `gorm:"default:0" json:"document_count"`

	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
}

func (j *BatchJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = BatchJobStatusPending
	}
	return nil
}

func (BatchJob) TableName() string {
	return "embedding_batch_jobs"
}

// Get retrieves a batch job by ID.
func (j *BatchJob) Get(db *gorm.DB) error {
	return db.First(j, "id = ?", j.ID).Error
}

// Create creates a new batch job in the database.
func (j *BatchJob) Create(db *gorm.DB) error {
	return db.Create(j).Error
}

// SetStatus transitions the job and stamps submitted_at/completed_at along
// the way, keeping timestamps monotonic on the success path.
func (j *BatchJob) SetStatus(db *gorm.DB, status BatchJobStatus) error {
	updates := map[string]interface{}{"status": status}
	now := time.Now().UTC()
	switch status {
	case BatchJobStatusSubmitted:
		j.SubmittedAt = &now
		updates["submitted_at"] = now
	case BatchJobStatusCompleted, BatchJobStatusFailed:
		j.CompletedAt = &now
		updates["completed_at"] = now
	}
	j.Status = status
	return db.Model(j).Updates(updates).Error
}

// MarkSubmitted records the submission details in one update.
func (j *BatchJob) MarkSubmitted(db *gorm.DB, externalJobID, inputPath, outputPath string) error {
	now := time.Now().UTC()
	j.Status = BatchJobStatusSubmitted
	j.ExternalJobID = externalJobID
	j.InputStoragePath = inputPath
	j.OutputStoragePath = outputPath
	j.SubmittedAt = &now
	return db.Model(j).Updates(map[string]interface{}{
		"status":              BatchJobStatusSubmitted,
		"external_job_id":     externalJobID,
		"input_storage_path":  inputPath,
		"output_storage_path": outputPath,
		"submitted_at":        now,
	}).Error
}

// MarkFailed records the terminal failure with the provider's message.
func (j *BatchJob) MarkFailed(db *gorm.DB, errMsg string) error {
	now := time.Now().UTC()
	j.Status = BatchJobStatusFailed
	j.ErrorMessage = errMsg
	j.CompletedAt = &now
	return db.Model(j).Updates(map[string]interface{}{
		"status":        BatchJobStatusFailed,
		"error_message": errMsg,
		"completed_at":  now,
	}).Error
}

// BatchJobs is a slice of batch jobs.
type BatchJobs []BatchJob

// FindActive retrieves jobs in submitted/processing state, oldest first.
func (js *BatchJobs) FindActive(db *gorm.DB) error {
	return db.Where("status IN ?", []BatchJobStatus{
		BatchJobStatusSubmitted,
		BatchJobStatusProcessing,
	}).Order("created_at ASC").Find(js).Error
}
