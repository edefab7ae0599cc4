package main

import (
	"net/http"
	"strings"

	"github.com/quaywise/shuttlecore/control_plane/store"
)

// handleFleetStatus returns the same snapshot the WebSocket hub broadcasts.
func (a *API) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := a.dashboard.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": snap})
}

// handleTaskStatus returns one task hash: GET /status/task?id={taskId}.
func (a *API) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := r.URL.Query().Get("id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	fields, err := a.store.HGetAll(r.Context(), store.TaskKey(taskID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	task, err := store.TaskFromFields(fields)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": task})
}

// handleBatchStatus returns one master batch: GET /status/batch?id={batchId}.
func (a *API) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	batchID := r.URL.Query().Get("id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	batch, err := a.staging.Batch(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if batch == nil {
		writeError(w, http.StatusNotFound, "no such batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": batch})
}

type plcRequest struct {
	Active bool `json:"active"`
}

// handlePLCActive toggles a lifter PLC: PUT /plc/{id}/active. While inactive
// the coordinator swallows cab move commands instead of publishing them.
func (a *API) handlePLCActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/plc/")
	plcID := strings.TrimSuffix(rest, "/active")
	if plcID == "" || plcID == rest {
		writeError(w, http.StatusBadRequest, "expected /plc/{id}/active")
		return
	}

	var req plcRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	value := "1"
	if !req.Active {
		value = "0"
	}
	if err := a.store.Set(r.Context(), store.PLCActiveKey(plcID), value, 0); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plcId": plcID, "active": req.Active})
}
