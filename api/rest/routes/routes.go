package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"train-orchestrator/api/rest/handlers"
	"train-orchestrator/core/fleet"
	"train-orchestrator/core/repository"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, batch *fleet.Batch, runRepo *repository.RunRepository) {
	statusHandler := handlers.NewStatusHandler(batch, runRepo)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
	api.HandleFunc("/summary", statusHandler.GetSummary).Methods("GET")
	api.HandleFunc("/runs", statusHandler.ListRuns).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}
