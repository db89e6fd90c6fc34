package models

import "time"

// JobState is one phase of the per-job provisioning state machine.
type JobState string

const (
	StatePreflight    JobState = "preflight"
	StateOfferSearch  JobState = "offer_search"
	StateProvisioning JobState = "provisioning"
	StateAPIReady     JobState = "api_ready"
	StateExecReady    JobState = "exec_ready"
	StateRunning      JobState = "running"
	StateSuccess      JobState = "success"
	StateFailed       JobState = "failed"
	StateTeardown     JobState = "teardown"
)

// RunStatus is the terminal outcome of one job run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunResult summarizes one job run for the batch summary, the status
// API and the run-history repository.
type RunResult struct {
	JobID           string             `json:"jobId"`
	Symbol          string             `json:"symbol"`
	Date            string             `json:"date"`
	Status          RunStatus          `json:"status"`
	FailureKind     FailureKind        `json:"failureKind,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Attempts        int                `json:"attempts"`
	SSHFailedOffers int                `json:"sshFailedOffers"`
	Decision        *PromotionDecision `json:"decision,omitempty"`
	StartedAt       time.Time          `json:"startedAt"`
	FinishedAt      time.Time          `json:"finishedAt"`
}
