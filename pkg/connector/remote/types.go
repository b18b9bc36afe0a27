// Package remote carries the sync protocol between the coordinator and
// out-of-process connectors. Each connector is its own HTTP service exposing
// POST /sync and GET /metadata; during a sync it calls back to the
// coordinator's per-run ctx endpoint for emit, state, progress and
// cancellation.
package remote

import "github.com/dydact/omni/pkg/connector"

// SyncRequest is the body of POST /sync on a connector service.
type SyncRequest struct {
	SourceType   string                 `json:"source_type"`
	SourceConfig map[string]interface{} `json:"source_config"`
	Credentials  map[string]interface{} `json:"credentials"`
	State        map[string]interface{} `json:"state"`
	// CtxEndpoint is the coordinator callback base for this sync run.
	CtxEndpoint string `json:"ctx_endpoint"`
}

// EmitRequest is the body of POST {ctx}/emit.
type EmitRequest struct {
	Document connector.Document `json:"document"`
}

// ContentRequest is the body of POST {ctx}/content. Data is base64 on the
// wire via encoding/json.
type ContentRequest struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
}

// ContentResponse returns the assigned content ID.
type ContentResponse struct {
	ContentID string `json:"content_id"`
}

// ErrorRequest is the body of POST {ctx}/error.
type ErrorRequest struct {
	ExternalID string `json:"external_id"`
	Message    string `json:"message"`
}

// StateRequest is the body of POST {ctx}/state and {ctx}/complete.
type StateRequest struct {
	State map[string]interface{} `json:"state"`
}

// FailRequest is the body of POST {ctx}/fail.
type FailRequest struct {
	Reason string `json:"reason"`
}

// CancelledResponse is the body of GET {ctx}/cancelled.
type CancelledResponse struct {
	Cancelled bool `json:"cancelled"`
}
