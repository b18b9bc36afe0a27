package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/dydact/omni/pkg/connector"
	"github.com/dydact/omni/pkg/models"
)

// runIdentifier is implemented by sync contexts that can name their run;
// the coordinator runtime does. The client derives the per-run callback
// endpoint from it.
type runIdentifier interface {
	RunID() uuid.UUID
}

// Client makes a remote connector service usable as a connector.Connector.
// Sync POSTs the job to the service and blocks until the service returns;
// the service drives the actual SyncContext through the callback API.
type Client struct {
	endpoint     string
	callbackBase string
	client       *http.Client
	logger       hclog.Logger

	mu   sync.Mutex
	meta *connector.Metadata
}

// NewClient creates a client for a connector service. callbackBase is the
// coordinator's externally reachable base URL; the per-run ctx endpoint is
// derived from it.
func NewClient(endpoint, callbackBase string, logger hclog.Logger) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		endpoint:     endpoint,
		callbackBase: callbackBase,
		// Syncs are long-running; the context bounds them, not the client.
		client: &http.Client{},
		logger: logger.Named("remote-connector"),
	}
}

// Metadata fetches and caches the connector self-description.
func (c *Client) Metadata(ctx context.Context) (connector.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta != nil {
		return *c.meta, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.endpoint+"/metadata", nil)
	if err != nil {
		return connector.Metadata{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return connector.Metadata{}, fmt.Errorf("failed to fetch connector metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return connector.Metadata{}, fmt.Errorf("connector metadata returned %s", resp.Status)
	}

	var meta connector.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return connector.Metadata{}, fmt.Errorf("failed to decode connector metadata: %w", err)
	}
	c.meta = &meta
	return meta, nil
}

func (c *Client) cachedMeta() connector.Metadata {
	meta, err := c.Metadata(context.Background())
	if err != nil {
		return connector.Metadata{Name: "remote", Version: "unknown"}
	}
	return meta
}

func (c *Client) Name() string    { return c.cachedMeta().Name }
func (c *Client) Version() string { return c.cachedMeta().Version }

func (c *Client) SyncModes() []models.SyncType { return c.cachedMeta().SyncModes }

// Sync hands the job to the connector service. The service calls back into
// the coordinator for every SyncContext operation, so on return the run row
// is already finalized; a transport failure before that finalizes it here.
func (c *Client) Sync(ctx context.Context, config, credentials, state map[string]interface{}, sc connector.SyncContext) error {
	ident, ok := sc.(runIdentifier)
	if !ok {
		return fmt.Errorf("sync context does not expose a run ID")
	}
	ctxEndpoint := fmt.Sprintf("%s/callback/%s", c.callbackBase, ident.RunID())

	body, err := json.Marshal(SyncRequest{
		SourceType:   sc.SourceType(),
		SourceConfig: config,
		Credentials:  credentials,
		State:        state,
		CtxEndpoint:  ctxEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/sync", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return sc.Fail(fmt.Sprintf("connector unreachable: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return sc.Fail(fmt.Sprintf("connector returned %s: %s", resp.Status, data))
	}
	return nil
}
