// Package mock provides a scriptable in-process connector for tests. It
// behaves like a well-behaved production connector: newest-first paging, an
// incremental watermark, periodic checkpoints, per-object errors, forbidden
// object types and cooperative cancellation.
package mock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mitchellh/mapstructure"

	"github.com/dydact/omni/pkg/connector"
	"github.com/dydact/omni/pkg/models"
)

// Object is one scripted source object.
type Object struct {
	ID    string
	Type  string // contacts, companies, deals, tickets, pages...
	Title string
	Body  string
	// UpdatedAt is the upstream timestamp in whatever format the fake API
	// uses; it is parsed leniently.
	UpdatedAt string
}

// Options script the connector's behavior.
type Options struct {
	Objects []Object
	// ForbiddenTypes answer with HTTP 403: the whole type is skipped and
	// the sync still completes.
	ForbiddenTypes []string
	// AuthFailed simulates HTTP 401 on the first call.
	AuthFailed bool
	// ErrorObjects maps object IDs to per-object failure messages.
	ErrorObjects map[string]string
	// CheckpointInterval overrides the save_state cadence.
	CheckpointInterval int
	// EmitDelay slows each emission so tests can cancel mid-sync.
	EmitDelay time.Duration
}

// Connector is the scriptable connector.
type Connector struct {
	opts Options
}

type sourceConfig struct {
	// Prefix is the external-ID namespace (defaults to the source type).
	Prefix string `mapstructure:"prefix"`
}

type credentialsConfig struct {
	AccessToken string `mapstructure:"access_token"`
}

// New creates a mock connector.
func New(opts Options) *Connector {
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = connector.DefaultCheckpointInterval
	}
	return &Connector{opts: opts}
}

func (c *Connector) Name() string    { return "mock" }
func (c *Connector) Version() string { return "1.0.0" }

func (c *Connector) SyncModes() []models.SyncType {
	return []models.SyncType{models.SyncTypeFull, models.SyncTypeIncremental}
}

// Sync walks the scripted objects newest first, honoring the incremental
// watermark in state["last_sync_at"] and checkpointing periodically.
func (c *Connector) Sync(ctx context.Context, config, credentials, state map[string]interface{}, sc connector.SyncContext) error {
	var cfg sourceConfig
	if err := mapstructure.Decode(config, &cfg); err != nil {
		return sc.Fail(fmt.Sprintf("invalid source config: %v", err))
	}
	if cfg.Prefix == "" {
		cfg.Prefix = sc.SourceType()
	}

	var creds credentialsConfig
	if err := mapstructure.Decode(credentials, &creds); err != nil {
		return sc.Fail(fmt.Sprintf("invalid credentials: %v", err))
	}
	if c.opts.AuthFailed || creds.AccessToken == "invalid" {
		return sc.Fail("Authentication failed")
	}

	syncStart := time.Now().UTC()

	var watermark time.Time
	if raw, ok := state["last_sync_at"].(string); ok && raw != "" {
		t, err := dateparse.ParseAny(raw)
		if err != nil {
			return sc.Fail(fmt.Sprintf("invalid last_sync_at %q: %v", raw, err))
		}
		watermark = t
	}

	forbidden := make(map[string]bool, len(c.opts.ForbiddenTypes))
	for _, t := range c.opts.ForbiddenTypes {
		forbidden[t] = true
	}

	// The fake API returns results most-recent-first, so an incremental
	// sync can stop paging at the watermark.
	objects := make([]Object, len(c.opts.Objects))
	copy(objects, c.opts.Objects)
	sort.SliceStable(objects, func(i, j int) bool {
		ti, _ := dateparse.ParseAny(objects[i].UpdatedAt)
		tj, _ := dateparse.ParseAny(objects[j].UpdatedAt)
		return ti.After(tj)
	})

	emitted := 0
	for _, obj := range objects {
		if sc.IsCancelled() {
			return sc.Fail("Cancelled")
		}
		if forbidden[obj.Type] {
			continue
		}

		updatedAt, err := dateparse.ParseAny(obj.UpdatedAt)
		if err != nil {
			if e := sc.EmitError(externalID(cfg.Prefix, obj), fmt.Sprintf("bad timestamp %q", obj.UpdatedAt)); e != nil {
				return e
			}
			continue
		}
		if !watermark.IsZero() && !updatedAt.After(watermark) {
			// Everything older than the watermark is unchanged.
			break
		}

		if err := sc.IncrementScanned(); err != nil {
			return err
		}

		if msg, bad := c.opts.ErrorObjects[obj.ID]; bad {
			if err := sc.EmitError(externalID(cfg.Prefix, obj), msg); err != nil {
				return err
			}
			continue
		}

		if c.opts.EmitDelay > 0 {
			select {
			case <-time.After(c.opts.EmitDelay):
			case <-ctx.Done():
				return sc.Fail("Cancelled")
			}
		}

		contentID, err := sc.SaveContent(ctx, []byte(obj.Body), "text/plain")
		if err != nil {
			return sc.Fail(fmt.Sprintf("failed to save content: %v", err))
		}
		doc := connector.Document{
			ExternalID: externalID(cfg.Prefix, obj),
			Title:      obj.Title,
			MimeType:   "text/plain",
			Public:     true,
			UpdatedAt:  &updatedAt,
			Attributes: map[string]interface{}{"object_type": obj.Type},
			ContentID:  contentID,
		}
		if err := sc.Emit(ctx, doc); err != nil {
			return sc.Fail(fmt.Sprintf("failed to emit %s: %v", doc.ExternalID, err))
		}

		emitted++
		if emitted%c.opts.CheckpointInterval == 0 {
			if err := sc.SaveState(map[string]interface{}{
				"last_sync_at": syncStart.Format(time.RFC3339),
				"cursor":       doc.ExternalID,
			}); err != nil {
				return err
			}
		}
	}

	if sc.IsCancelled() {
		return sc.Fail("Cancelled")
	}
	return sc.Complete(map[string]interface{}{
		"last_sync_at": syncStart.Format(time.RFC3339),
	})
}

func externalID(prefix string, obj Object) string {
	return fmt.Sprintf("%s:%s:%s", prefix, obj.Type, obj.ID)
}
