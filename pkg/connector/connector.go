// Package connector defines the contract between source connectors and the
// coordinator: the Connector interface a connector implements and the
// SyncContext capabilities the coordinator exposes to it while a sync runs.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dydact/omni/pkg/models"
)

// DefaultCheckpointInterval is how many emitted documents a well-behaved
// connector lets pass between save_state checkpoints. It bounds lost work on
// a crash.
const DefaultCheckpointInterval = 50

// Document is the normalized emission payload a connector hands to the
// runtime. The runtime persists it as a document row keyed by ExternalID.
type Document struct {
	// ExternalID is the globally unique business key,
	// "{source}:{type}:{id}".
	ExternalID string `json:"external_id"`
	Title      string `json:"title"`
	MimeType   string `json:"mime_type"`
	URL        string `json:"url,omitempty"`
	Author     string `json:"author,omitempty"`
	// CreatedAt/UpdatedAt are the source-side timestamps, when known.
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Public    bool       `json:"public"`
	// AccessList holds per-principal access entries.
	AccessList []string `json:"access_list,omitempty"`
	// Attributes is the open source-specific mapping.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	// ContentID references content previously written via SaveContent.
	ContentID string `json:"content_id,omitempty"`
}

// SyncContext is the runtime a connector drives during one sync.
type SyncContext interface {
	// Emit upserts the document and queues it for embedding when needed.
	Emit(ctx context.Context, doc Document) error

	// SaveContent writes raw content and returns its content ID. Callers
	// pass new bytes for each version; de-duplication is not assumed.
	SaveContent(ctx context.Context, data []byte, mimeType string) (string, error)

	// IncrementScanned bumps the scanned counter, independent of emission.
	IncrementScanned() error

	// EmitError records a per-object failure; the sync may still complete.
	EmitError(externalID, message string) error

	// SaveState durably checkpoints the connector state mid-sync.
	SaveState(state map[string]interface{}) error

	// Complete finalizes the sync successfully; newState replaces the
	// previous state when non-nil.
	Complete(newState map[string]interface{}) error

	// Fail finalizes the sync as failed; the state is left unchanged.
	Fail(reason string) error

	// IsCancelled reports whether a cancellation signal was observed. The
	// connector polls it at every page boundary and every object.
	IsCancelled() bool

	// SourceType lets one connector binary dispatch between the source
	// types it hosts.
	SourceType() string
}

// Connector is one family of sources (HubSpot, Notion, Microsoft 365). A
// single connector may host several source types selected by
// SyncContext.SourceType.
type Connector interface {
	Name() string
	Version() string
	SyncModes() []models.SyncType
	Sync(ctx context.Context, config, credentials, state map[string]interface{}, sc SyncContext) error
}

// Metadata is the connector self-description served at /metadata.
type Metadata struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	SyncModes []models.SyncType `json:"sync_modes"`
}

// Registry resolves connectors by source type.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds a source type to a connector. Registering the same type
// twice is a programming error.
func (r *Registry) Register(sourceType string, c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[sourceType]; ok {
		return fmt.Errorf("source type %q already registered", sourceType)
	}
	r.connectors[sourceType] = c
	return nil
}

// Resolve returns the connector for a source type.
func (r *Registry) Resolve(sourceType string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[sourceType]
	if !ok {
		return nil, fmt.Errorf("no connector registered for source type %q", sourceType)
	}
	return c, nil
}

// SourceTypes lists the registered types, sorted.
func (r *Registry) SourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
