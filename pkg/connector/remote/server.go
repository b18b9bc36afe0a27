package remote

import (
	"encoding/json"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/dydact/omni/pkg/connector"
)

// Server hosts a connector implementation as an HTTP service speaking the
// sync protocol: POST /sync runs a sync against the caller's ctx endpoint,
// GET /metadata describes the connector.
type Server struct {
	conn   connector.Connector
	logger hclog.Logger
}

// NewServer wraps a connector.
func NewServer(conn connector.Connector, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{conn: conn, logger: logger.Named("connector-server")}
}

// Handler returns the HTTP handler for the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", s.handleMetadata)
	mux.HandleFunc("/sync", s.handleSync)
	return mux
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(connector.Metadata{
		Name:      s.conn.Name(),
		Version:   s.conn.Version(),
		SyncModes: s.conn.SyncModes(),
	})
}

// handleSync runs the sync synchronously; the coordinator keeps the request
// open for the duration. All observable effects flow through the callback
// endpoint, the response only signals transport-level success.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid sync request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.CtxEndpoint == "" {
		http.Error(w, "ctx_endpoint is required", http.StatusBadRequest)
		return
	}

	sc := newCallbackContext(r.Context(), req.CtxEndpoint, req.SourceType, s.logger)
	s.logger.Info("starting sync", "source_type", req.SourceType)
	if err := s.conn.Sync(r.Context(), req.SourceConfig, req.Credentials, req.State, sc); err != nil {
		s.logger.Error("sync returned error", "error", err)
		// Best effort: make sure the run is finalized coordinator-side.
		sc.Fail(err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
