// Package api exposes the coordinator's HTTP surface: sync triggering and
// inspection, source management, and the per-run callback endpoints remote
// connectors drive during a sync.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	omnisync "github.com/dydact/omni/pkg/sync"
)

// Handler bundles the dependencies the API handlers share.
type Handler struct {
	db      *gorm.DB
	manager *omnisync.Manager
	logger  hclog.Logger
}

// New creates the API handler.
func New(db *gorm.DB, manager *omnisync.Manager, logger hclog.Logger) *Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handler{db: db, manager: manager, logger: logger.Named("api")}
}

// Routes returns the coordinator's HTTP handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/sources", h.handleSources)
	mux.HandleFunc("/sync", h.handleTriggerSync)
	mux.HandleFunc("/sync/", h.handleSyncByID)
	mux.HandleFunc("/callback/", h.handleCallback)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		h.logger.Error("health check failed", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
