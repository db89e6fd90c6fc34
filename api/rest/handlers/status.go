package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"train-orchestrator/core/fleet"
	"train-orchestrator/core/repository"
)

// StatusHandler serves read-only views over the live batch and the run
// history.
type StatusHandler struct {
	batch   *fleet.Batch
	runRepo *repository.RunRepository // nil when history is disabled
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(batch *fleet.Batch, runRepo *repository.RunRepository) *StatusHandler {
	return &StatusHandler{batch: batch, runRepo: runRepo}
}

// GetStatus returns the in-flight job and the batch's results so far.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.batch.Snapshot())
}

// GetSummary returns the aggregated batch summary so far.
func (h *StatusHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, fleet.Summarize(h.batch.Results()))
}

// ListRuns returns recent run history from the database.
func (h *StatusHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runRepo == nil {
		http.Error(w, "run history not configured", http.StatusNotFound)
		return
	}

	symbol := r.URL.Query().Get("symbol")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.runRepo.ListRuns(r.Context(), symbol, limit)
	if err != nil {
		http.Error(w, "failed to fetch runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
