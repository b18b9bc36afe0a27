package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dydact/omni/pkg/connector/remote"
)

// handleCallback routes /callback/{sync_run_id}/{op}. Remote connectors
// drive their SyncContext through these endpoints; each op maps 1:1 onto a
// runtime capability. The run must still be live in this process.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/callback/")
	idPart, op, _ := strings.Cut(rest, "/")

	runID, err := uuid.Parse(idPart)
	if err != nil {
		http.Error(w, "invalid sync run id", http.StatusBadRequest)
		return
	}
	rt, ok := h.manager.Runtime(runID)
	if !ok {
		http.Error(w, "sync run not found or not running", http.StatusNotFound)
		return
	}

	if op == "cancelled" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, remote.CancelledResponse{Cancelled: rt.IsCancelled()})
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch op {
	case "emit":
		var req remote.EmitRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.callbackResult(w, runID, op, rt.Emit(r.Context(), req.Document))

	case "content":
		var req remote.ContentRequest
		if !h.decode(w, r, &req) {
			return
		}
		contentID, err := rt.SaveContent(r.Context(), req.Data, req.MimeType)
		if err != nil {
			h.logger.Error("callback content failed", "sync_run_id", runID, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, remote.ContentResponse{ContentID: contentID})

	case "scanned":
		h.callbackResult(w, runID, op, rt.IncrementScanned())

	case "error":
		var req remote.ErrorRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.callbackResult(w, runID, op, rt.EmitError(req.ExternalID, req.Message))

	case "state":
		var req remote.StateRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.callbackResult(w, runID, op, rt.SaveState(req.State))

	case "complete":
		var req remote.StateRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.callbackResult(w, runID, op, rt.Complete(req.State))

	case "fail":
		var req remote.FailRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.callbackResult(w, runID, op, rt.Fail(req.Reason))

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) callbackResult(w http.ResponseWriter, runID uuid.UUID, op string, err error) {
	if err != nil {
		h.logger.Error("callback failed", "sync_run_id", runID, "op", op, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
