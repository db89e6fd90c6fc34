package fleet

import (
	"context"
	"fmt"
	"log"
	"time"

	"train-orchestrator/core/lease"
	"train-orchestrator/core/models"
	"train-orchestrator/storage"
)

// Orchestrator runs one training job end to end: preflight, the offer
// retry loop, remote execution, and unconditional teardown of whatever
// instance an attempt created. Per job the states are
// preflight -> offer_search -> (per offer) provisioning -> api_ready ->
// exec_ready -> running -> success|failed -> teardown.
type Orchestrator struct {
	Market   Marketplace
	Exec     Executor
	Features FeatureBuilder
	Store    storage.ObjectStore
	Leases   *lease.Manager
	Tracker  InstanceTracker

	// MaxRetries caps offers actually tried. MaxSSHFailedOffers caps
	// the harder ssh-failure class on its own budget so a run of bad
	// offers cannot eat the whole attempt budget.
	MaxRetries         int
	MaxSSHFailedOffers int

	// OfferDelay spaces consecutive attempts to respect marketplace
	// rate limits. ReadyTimeout bounds the wait for marketplace-reported
	// readiness.
	OfferDelay   time.Duration
	ReadyTimeout time.Duration

	// EnsureFeatures makes preflight invoke the feature builder for
	// missing inputs instead of failing the job.
	EnsureFeatures bool
}

// RunStats carries the retry counters out of a run for diagnostics.
type RunStats struct {
	Attempts        int
	SSHFailedOffers int
}

func (o *Orchestrator) tracker() InstanceTracker {
	if o.Tracker == nil {
		return noopTracker{}
	}
	return o.Tracker
}

func (o *Orchestrator) maxRetries() int {
	if o.MaxRetries <= 0 {
		return 5
	}
	return o.MaxRetries
}

func (o *Orchestrator) maxSSHFailed() int {
	if o.MaxSSHFailedOffers <= 0 {
		return 3
	}
	return o.MaxSSHFailedOffers
}

func (o *Orchestrator) readyTimeout() time.Duration {
	if o.ReadyTimeout <= 0 {
		return 5 * time.Minute
	}
	return o.ReadyTimeout
}

// MissingInputs returns the input keys absent from the object store for
// this spec. Used by preflight and by dry runs.
func (o *Orchestrator) MissingInputs(ctx context.Context, spec models.JobSpec) ([]string, error) {
	var missing []string
	for _, key := range []string{spec.Dataset.FeaturePath, spec.Dataset.MetaPath} {
		ok, err := o.Store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check input %s: %w", key, err)
		}
		if !ok {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// RunJob executes one job and returns its metrics. The error, when
// non-nil, is one of: *models.InputsMissingError, a fatal
// *models.Failure from a collaborator, *models.OfferExhaustedError, or
// a context error.
func (o *Orchestrator) RunJob(ctx context.Context, spec models.JobSpec) (models.Metrics, RunStats, error) {
	var stats RunStats

	log.Printf("[%s] preflight", spec.JobID)
	if err := o.preflight(ctx, spec); err != nil {
		return nil, stats, err
	}

	badOffers := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		if stats.Attempts >= o.maxRetries() || stats.SSHFailedOffers >= o.maxSSHFailed() {
			return nil, stats, &models.OfferExhaustedError{
				Attempts:        stats.Attempts,
				SSHFailedOffers: stats.SSHFailedOffers,
			}
		}

		log.Printf("[%s] offer_search", spec.JobID)
		offers, err := o.Market.SearchOffers(ctx, offerRequest(spec))
		if err != nil {
			return nil, stats, fmt.Errorf("offer search failed: %w", err)
		}

		tried := false
		for _, offer := range offers {
			if badOffers[offer.ID] {
				continue
			}
			if stats.Attempts >= o.maxRetries() || stats.SSHFailedOffers >= o.maxSSHFailed() {
				break
			}
			if stats.Attempts > 0 && o.OfferDelay > 0 {
				if err := sleepCtx(ctx, o.OfferDelay); err != nil {
					return nil, stats, err
				}
			}

			tried = true
			stats.Attempts++

			metrics, err := o.tryOffer(ctx, spec, offer)
			if err == nil {
				return metrics, stats, nil
			}
			if cerr := ctx.Err(); cerr != nil {
				return nil, stats, cerr
			}

			switch models.KindOf(err) {
			case models.FailureSSHHard:
				log.Printf("[%s] offer %s unusable over ssh, blacklisting: %v", spec.JobID, offer.ID, err)
				badOffers[offer.ID] = true
				stats.SSHFailedOffers++
			case models.FailureRetryable:
				log.Printf("[%s] offer %s failed, trying next: %v", spec.JobID, offer.ID, err)
			default:
				return nil, stats, err
			}
		}

		if !tried {
			// Every remaining offer is blacklisted or none exist.
			return nil, stats, &models.OfferExhaustedError{
				Attempts:        stats.Attempts,
				SSHFailedOffers: stats.SSHFailedOffers,
			}
		}
	}
}

// tryOffer runs one provisioning attempt. Whatever happens after the
// instance exists, the deferred teardown stops the heartbeat, deletes
// the lease and destroys the instance.
func (o *Orchestrator) tryOffer(ctx context.Context, spec models.JobSpec, offer models.Offer) (models.Metrics, error) {
	log.Printf("[%s] provisioning offer %s (%s, $%.3f/h)", spec.JobID, offer.ID, offer.InstanceType, offer.PricePerHour)

	instanceID, err := o.Market.CreateInstance(ctx, offer, spec.JobID)
	if err != nil {
		return nil, err
	}

	o.tracker().Track(instanceID)
	if err := o.Leases.Start(ctx, instanceID, spec.Dataset.Symbol, spec.JobID); err != nil {
		// Without a lease the reaper cannot see this instance; treat the
		// attempt as lost rather than run unprotected compute.
		log.Printf("[%s] lease write failed for %s: %v", spec.JobID, instanceID, err)
		o.teardown(instanceID, spec.JobID)
		return nil, models.Retryable(err)
	}
	defer o.teardown(instanceID, spec.JobID)

	if err := o.Market.WaitReady(ctx, instanceID, o.readyTimeout()); err != nil {
		return nil, err
	}
	log.Printf("[%s] instance %s api_ready", spec.JobID, instanceID)

	ep, err := o.Market.Endpoint(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	log.Printf("[%s] instance %s exec_ready at %s", spec.JobID, instanceID, ep.Host)

	log.Printf("[%s] running", spec.JobID)
	metrics, err := o.Exec.Run(ctx, spec, ep)
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

// teardown releases everything one attempt acquired. It runs on every
// exit path and uses a background context so a canceled run still pays
// its debts.
func (o *Orchestrator) teardown(instanceID, jobID string) {
	log.Printf("[%s] teardown of instance %s", jobID, instanceID)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	o.Leases.Stop()
	o.Leases.Delete(cleanupCtx, instanceID)
	if err := o.Market.DestroyInstance(cleanupCtx, instanceID); err != nil {
		log.Printf("[%s] failed to destroy instance %s: %v", jobID, instanceID, err)
	}
	o.tracker().Clear()
}

func (o *Orchestrator) preflight(ctx context.Context, spec models.JobSpec) error {
	missing, err := o.MissingInputs(ctx, spec)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	if !o.EnsureFeatures || o.Features == nil {
		return &models.InputsMissingError{Symbol: spec.Dataset.Symbol, Missing: missing}
	}

	log.Printf("[%s] building missing inputs: %v", spec.JobID, missing)
	if err := o.Features.Build(ctx, spec.Dataset.Symbol, spec.Dataset.DateRange.Start, spec.Dataset.FeaturesetVersion); err != nil {
		return fmt.Errorf("feature build failed: %w", err)
	}

	missing, err = o.MissingInputs(ctx, spec)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &models.InputsMissingError{Symbol: spec.Dataset.Symbol, Missing: missing}
	}
	return nil
}

func offerRequest(spec models.JobSpec) models.OfferRequest {
	return models.OfferRequest{GPUType: spec.Runtime.GPUType}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
