package fleet

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"train-orchestrator/core/models"
	"train-orchestrator/core/promotion"
)

// HistoryRecorder persists run results. Recording failures are logged
// and ignored; history is diagnostics, not control flow.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, result models.RunResult) error
}

// Batch runs a list of jobs strictly sequentially, evaluating promotion
// after each success, and keeps a snapshot for the status API.
type Batch struct {
	Orch      *Orchestrator
	Promo     *promotion.Engine
	History   HistoryRecorder
	PromoOpts promotion.Options

	mu      sync.RWMutex
	current *models.RunResult
	results []models.RunResult
}

// BatchStatus is a point-in-time view of a running batch.
type BatchStatus struct {
	Current *models.RunResult  `json:"current,omitempty"`
	Results []models.RunResult `json:"results"`
}

// Run processes every spec in order. A failed job never aborts the
// remaining jobs; only context cancellation stops the batch early.
func (b *Batch) Run(ctx context.Context, specs []models.JobSpec) []models.RunResult {
	for _, spec := range specs {
		if ctx.Err() != nil {
			break
		}
		result := b.runOne(ctx, spec)
		b.finish(result)
		if b.History != nil {
			if err := b.History.RecordRun(context.Background(), result); err != nil {
				log.Printf("[%s] failed to record run history: %v", result.JobID, err)
			}
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}
	}
	return b.Results()
}

func (b *Batch) runOne(ctx context.Context, spec models.JobSpec) models.RunResult {
	result := models.RunResult{
		JobID:     spec.JobID,
		Symbol:    spec.Dataset.Symbol,
		Date:      spec.Dataset.DateRange.Start,
		StartedAt: time.Now().UTC(),
	}
	snapshot := result
	b.setCurrent(&snapshot)
	defer func() { b.setCurrent(nil) }()

	metrics, stats, err := b.Orch.RunJob(ctx, spec)
	result.Attempts = stats.Attempts
	result.SSHFailedOffers = stats.SSHFailedOffers
	result.FinishedAt = time.Now().UTC()

	if err != nil {
		result.Status = models.RunFailed
		result.Reason = err.Error()
		var f *models.Failure
		if errors.As(err, &f) {
			result.FailureKind = f.Kind
		}
		log.Printf("[%s] failed: %v", spec.JobID, err)
		return result
	}

	result.Status = models.RunSucceeded
	decision, err := b.Promo.Evaluate(ctx, spec.Dataset.Symbol, metrics, spec.JobID, b.PromoOpts, &spec)
	if err != nil {
		// The trained model exists but its promotion state is unknown;
		// the job is reported failed so nobody trusts a half-published
		// promotion.
		result.Status = models.RunFailed
		result.Reason = err.Error()
		log.Printf("[%s] promotion failed: %v", spec.JobID, err)
		return result
	}
	result.Decision = &decision
	result.FinishedAt = time.Now().UTC()
	log.Printf("[%s] %s (%s)", spec.JobID, decision.Decision, decision.Reason)
	return result
}

func (b *Batch) setCurrent(r *models.RunResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = r
}

func (b *Batch) finish(result models.RunResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, result)
}

// Results returns a copy of the completed run results.
func (b *Batch) Results() []models.RunResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.RunResult(nil), b.results...)
}

// Snapshot returns the in-flight job (if any) and completed results.
func (b *Batch) Snapshot() BatchStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	status := BatchStatus{Results: append([]models.RunResult(nil), b.results...)}
	if b.current != nil {
		cur := *b.current
		status.Current = &cur
	}
	return status
}

// Summary aggregates a batch's results for the final report.
type Summary struct {
	Succeeded int
	Failed    int
	Promoted  int
	Rejected  int
	DryPass   int
	Off       int
	Failures  []models.RunResult
}

// Summarize folds run results into the run summary.
func Summarize(results []models.RunResult) Summary {
	var s Summary
	for _, r := range results {
		if r.Status == models.RunFailed {
			s.Failed++
			s.Failures = append(s.Failures, r)
			continue
		}
		s.Succeeded++
		if r.Decision == nil {
			continue
		}
		switch r.Decision.Decision {
		case models.DecisionPromoted:
			s.Promoted++
		case models.DecisionRejected:
			s.Rejected++
		case models.DecisionDryPass:
			s.DryPass++
		case models.DecisionOff:
			s.Off++
		}
	}
	return s
}
