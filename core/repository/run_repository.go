package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"train-orchestrator/core/models"
)

// RunRepository persists completed job runs for audit and dashboards.
// Everything here is best-effort from the orchestrator's point of view:
// a down database never affects a run's outcome.
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// RecordRun inserts one completed run and its terminal event.
func (r *RunRepository) RecordRun(ctx context.Context, result models.RunResult) error {
	query := `
		INSERT INTO job_runs (
			id, job_id, symbol, run_date, status, failure_kind, reason,
			attempts, ssh_failed_offers, decision_json, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	var decisionJSON *string
	if result.Decision != nil {
		data, err := json.Marshal(result.Decision)
		if err != nil {
			return err
		}
		s := string(data)
		decisionJSON = &s
	}

	_, err := r.db.ExecContext(ctx, query,
		uuid.New(),
		result.JobID,
		result.Symbol,
		result.Date,
		result.Status,
		nullable(string(result.FailureKind)),
		nullable(result.Reason),
		result.Attempts,
		result.SSHFailedOffers,
		decisionJSON,
		result.StartedAt,
		result.FinishedAt,
	)
	if err != nil {
		return err
	}

	state := models.StateSuccess
	if result.Status == models.RunFailed {
		state = models.StateFailed
	}
	return r.recordEvent(ctx, result.JobID, state, result.Reason)
}

// recordEvent appends one state-transition event for a job.
func (r *RunRepository) recordEvent(ctx context.Context, jobID string, state models.JobState, reason string) error {
	query := `
		INSERT INTO job_run_events (job_id, at, state, reason)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.ExecContext(ctx, query, jobID, time.Now().UTC(), state, nullable(reason))
	return err
}

// ListRuns returns the most recent runs, optionally filtered by symbol.
func (r *RunRepository) ListRuns(ctx context.Context, symbol string, limit int) ([]models.RunResult, error) {
	query := `
		SELECT job_id, symbol, run_date, status, failure_kind, reason,
			attempts, ssh_failed_offers, decision_json, started_at, finished_at
		FROM job_runs
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.RunResult
	for rows.Next() {
		var result models.RunResult
		var failureKind, reason, decisionJSON sql.NullString

		err := rows.Scan(
			&result.JobID,
			&result.Symbol,
			&result.Date,
			&result.Status,
			&failureKind,
			&reason,
			&result.Attempts,
			&result.SSHFailedOffers,
			&decisionJSON,
			&result.StartedAt,
			&result.FinishedAt,
		)
		if err != nil {
			return nil, err
		}

		result.FailureKind = models.FailureKind(failureKind.String)
		result.Reason = reason.String
		if decisionJSON.Valid {
			var decision models.PromotionDecision
			if err := json.Unmarshal([]byte(decisionJSON.String), &decision); err == nil {
				result.Decision = &decision
			}
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
