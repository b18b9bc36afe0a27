package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Source represents a configured external workspace (a HubSpot portal, a
// Notion workspace, a Microsoft 365 tenant) that a connector pulls
// documents from.
type Source struct {
	// ID is the unique source identifier (UUID).
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Name is a human-readable label for the source.
	Name string `gorm:"type:varchar(255);not null" json:"name"`

	// SourceType selects the connector and, within a multi-type connector,
	// the syncer (e.g. "hubspot", "notion", "one_drive", "outlook").
	SourceType string `gorm:"type:varchar(50);not null;index" json:"source_type"`

	// Config holds connector-specific settings (API base URL, portal ID).
	Config JSON `gorm:"type:text" json:"config,omitempty"`

	// Credentials holds the opaque credential payload handed to the
	// connector (access tokens, client secrets).
	Credentials JSON `gorm:"type:text" json:"-"`

	// ConnectorState is the opaque checkpoint owned by the connector,
	// last-write-wins, updated mid-sync and on completion.
	ConnectorState JSON `gorm:"type:text" json:"-"`

	// SyncIntervalSeconds controls scheduled incremental syncs. Zero
	// disables scheduling for this source.
	SyncIntervalSeconds int `gorm:"default:0" json:"sync_interval_seconds"`

	// LastSyncedAt is when the last successful sync started.
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	// Enabled gates both manual and scheduled syncs.
	Enabled bool `gorm:"default:true" json:"enabled"`
}

func (s *Source) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (Source) TableName() string {
	return "sources"
}

// Get retrieves a source by ID.
func (s *Source) Get(db *gorm.DB) error {
	return db.First(s, "id = ?", s.ID).Error
}

// Create creates a new source in the database.
func (s *Source) Create(db *gorm.DB) error {
	return db.Create(s).Error
}

// Update updates an existing source.
func (s *Source) Update(db *gorm.DB) error {
	return db.Save(s).Error
}

// SaveState replaces the connector state for the source.
func (s *Source) SaveState(db *gorm.DB, state JSON) error {
	s.ConnectorState = state
	return db.Model(s).Update("connector_state", state).Error
}

// MarkSynced records the start time of the sync that just completed.
// The start time (not completion time) is recorded so that objects
// modified while the sync was running are picked up by the next one.
func (s *Source) MarkSynced(db *gorm.DB, startedAt time.Time) error {
	s.LastSyncedAt = &startedAt
	return db.Model(s).Update("last_synced_at", startedAt).Error
}

// Sources is a slice of sources.
type Sources []Source

// FindDueForSync retrieves enabled sources whose sync interval has elapsed.
// Interval arithmetic is done in Go so the same query runs on both postgres
// and sqlite.
func (ss *Sources) FindDueForSync(db *gorm.DB, now time.Time) error {
	var candidates Sources
	err := db.Where("enabled = ?", true).
		Where("sync_interval_seconds > 0").
		Find(&candidates).
		Error
	if err != nil {
		return err
	}

	due := make(Sources, 0, len(candidates))
	for _, s := range candidates {
		if s.LastSyncedAt == nil {
			due = append(due, s)
			continue
		}
		interval := time.Duration(s.SyncIntervalSeconds) * time.Second
		if now.Sub(*s.LastSyncedAt) >= interval {
			due = append(due, s)
		}
	}

	*ss = due
	return nil
}
