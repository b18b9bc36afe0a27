package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dydact/omni/pkg/models"
	omnisync "github.com/dydact/omni/pkg/sync"
)

// TriggerSyncRequest is the body of POST /sync.
type TriggerSyncRequest struct {
	SourceID uuid.UUID `json:"source_id"`
	SyncType string    `json:"sync_type"`
}

// TriggerSyncResponse returns the created run ID.
type TriggerSyncResponse struct {
	SyncRunID uuid.UUID `json:"sync_run_id"`
}

func (h *Handler) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TriggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SourceID == uuid.Nil {
		http.Error(w, "source_id is required", http.StatusBadRequest)
		return
	}

	syncType := models.SyncType(req.SyncType)
	if syncType == "" {
		syncType = models.SyncTypeIncremental
	}
	if syncType != models.SyncTypeFull && syncType != models.SyncTypeIncremental {
		http.Error(w, "sync_type must be full or incremental", http.StatusBadRequest)
		return
	}

	run, err := h.manager.TriggerSync(r.Context(), req.SourceID, syncType)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, TriggerSyncResponse{SyncRunID: run.ID})
	case errors.Is(err, omnisync.ErrSyncAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, omnisync.ErrSourceDisabled):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, gorm.ErrRecordNotFound):
		http.Error(w, "source not found", http.StatusNotFound)
	default:
		h.logger.Error("failed to trigger sync", "source_id", req.SourceID, "error", err)
		http.Error(w, "failed to trigger sync", http.StatusInternalServerError)
	}
}

// SyncRunResponse is the body of GET /sync/{id}.
type SyncRunResponse struct {
	ID               uuid.UUID             `json:"id"`
	SourceID         uuid.UUID             `json:"source_id"`
	SyncType         models.SyncType       `json:"sync_type"`
	Status           models.SyncRunStatus  `json:"status"`
	DocumentsScanned int64                 `json:"documents_scanned"`
	DocumentsEmitted int64                 `json:"documents_emitted"`
	ErrorMessage     string                `json:"error_message,omitempty"`
	StartedAt        string                `json:"started_at"`
	CompletedAt      string                `json:"completed_at,omitempty"`
	Errors           []models.SyncRunError `json:"errors,omitempty"`
}

// handleSyncByID routes GET /sync/{id} and POST /sync/{id}/cancel.
func (h *Handler) handleSyncByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sync/")
	idPart, action, _ := strings.Cut(rest, "/")

	runID, err := uuid.Parse(idPart)
	if err != nil {
		http.Error(w, "invalid sync run id", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getSyncRun(w, runID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.cancelSyncRun(w, runID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) getSyncRun(w http.ResponseWriter, runID uuid.UUID) {
	run := &models.SyncRun{ID: runID}
	if err := run.Get(h.db); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "sync run not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load sync run", "sync_run_id", runID, "error", err)
		http.Error(w, "failed to load sync run", http.StatusInternalServerError)
		return
	}

	var runErrors models.SyncRunErrors
	if err := runErrors.FindByRun(h.db, runID); err != nil {
		h.logger.Error("failed to load sync run errors", "sync_run_id", runID, "error", err)
	}

	resp := SyncRunResponse{
		ID:               run.ID,
		SourceID:         run.SourceID,
		SyncType:         run.SyncType,
		Status:           run.Status,
		DocumentsScanned: run.DocumentsScanned,
		DocumentsEmitted: run.DocumentsEmitted,
		ErrorMessage:     run.ErrorMessage,
		StartedAt:        run.StartedAt.UTC().Format(time.RFC3339),
		Errors:           runErrors,
	}
	if run.CompletedAt != nil {
		resp.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cancelSyncRun(w http.ResponseWriter, runID uuid.UUID) {
	if err := h.manager.Cancel(runID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// CreateSourceRequest is the body of POST /sources.
type CreateSourceRequest struct {
	Name                string                 `json:"name"`
	SourceType          string                 `json:"source_type"`
	Config              map[string]interface{} `json:"config,omitempty"`
	Credentials         map[string]interface{} `json:"credentials,omitempty"`
	SyncIntervalSeconds int                    `json:"sync_interval_seconds,omitempty"`
}

func (h *Handler) handleSources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var sources []models.Source
		if err := h.db.Order("created_at ASC").Find(&sources).Error; err != nil {
			h.logger.Error("failed to list sources", "error", err)
			http.Error(w, "failed to list sources", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, sources)

	case http.MethodPost:
		var req CreateSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Name == "" || req.SourceType == "" {
			http.Error(w, "name and source_type are required", http.StatusBadRequest)
			return
		}

		config, err := models.JSONMap(req.Config)
		if err != nil {
			http.Error(w, "invalid config", http.StatusBadRequest)
			return
		}
		credentials, err := models.JSONMap(req.Credentials)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusBadRequest)
			return
		}

		source := &models.Source{
			Name:                req.Name,
			SourceType:          req.SourceType,
			Config:              config,
			Credentials:         credentials,
			SyncIntervalSeconds: req.SyncIntervalSeconds,
			Enabled:             true,
		}
		if err := source.Create(h.db); err != nil {
			h.logger.Error("failed to create source", "error", err)
			http.Error(w, "failed to create source", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, source)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
