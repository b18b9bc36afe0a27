package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dydact/omni/pkg/connector"
)

// callbackContext implements connector.SyncContext over HTTP against the
// coordinator's per-run ctx endpoint. It is what an out-of-process
// connector's Sync actually drives.
type callbackContext struct {
	// syncCtx is the context of the sync request that created this
	// callback. Interface methods without a context parameter post on it,
	// so a dying coordinator aborts them instead of leaving each call to
	// run out its client timeout.
	syncCtx    context.Context
	endpoint   string
	sourceType string
	client     *http.Client
	logger     hclog.Logger
}

func newCallbackContext(ctx context.Context, endpoint, sourceType string, logger hclog.Logger) *callbackContext {
	return &callbackContext{
		syncCtx:    ctx,
		endpoint:   endpoint,
		sourceType: sourceType,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("callback"),
	}
}

func (c *callbackContext) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("callback %s returned %s: %s", path, resp.Status, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *callbackContext) Emit(ctx context.Context, doc connector.Document) error {
	return c.post(ctx, "/emit", EmitRequest{Document: doc}, nil)
}

func (c *callbackContext) SaveContent(ctx context.Context, data []byte, mimeType string) (string, error) {
	var resp ContentResponse
	if err := c.post(ctx, "/content", ContentRequest{Data: data, MimeType: mimeType}, &resp); err != nil {
		return "", err
	}
	return resp.ContentID, nil
}

func (c *callbackContext) IncrementScanned() error {
	return c.post(c.syncCtx, "/scanned", nil, nil)
}

func (c *callbackContext) EmitError(externalID, message string) error {
	return c.post(c.syncCtx, "/error", ErrorRequest{
		ExternalID: externalID,
		Message:    message,
	}, nil)
}

func (c *callbackContext) SaveState(state map[string]interface{}) error {
	return c.post(c.syncCtx, "/state", StateRequest{State: state}, nil)
}

func (c *callbackContext) Complete(newState map[string]interface{}) error {
	return c.post(c.syncCtx, "/complete", StateRequest{State: newState}, nil)
}

func (c *callbackContext) Fail(reason string) error {
	return c.post(c.syncCtx, "/fail", FailRequest{Reason: reason}, nil)
}

// IsCancelled polls the coordinator. A transport error reads as cancelled:
// if the coordinator is gone there is nobody to deliver results to.
func (c *callbackContext) IsCancelled() bool {
	req, err := http.NewRequestWithContext(c.syncCtx, http.MethodGet, c.endpoint+"/cancelled", nil)
	if err != nil {
		return true
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("cancellation poll failed", "error", err)
		return true
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return true
	}
	var out CancelledResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return true
	}
	return out.Cancelled
}

func (c *callbackContext) SourceType() string {
	return c.sourceType
}
