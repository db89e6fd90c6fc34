package fleet

import (
	"context"
	"time"

	"train-orchestrator/core/models"
)

// Marketplace is the spot-compute collaborator: offer discovery and the
// instance lifecycle. Offers come back ranked; the orchestrator consumes
// them in the given order. Implementations classify their own errors
// with models.Retryable / models.SSHHard / models.Fatal.
type Marketplace interface {
	SearchOffers(ctx context.Context, req models.OfferRequest) ([]models.Offer, error)
	CreateInstance(ctx context.Context, offer models.Offer, jobID string) (string, error)
	DestroyInstance(ctx context.Context, instanceID string) error
	WaitReady(ctx context.Context, instanceID string, timeout time.Duration) error
	Endpoint(ctx context.Context, instanceID string) (models.Endpoint, error)
}

// Executor runs the training job on a ready instance and returns its
// metrics. It owns the transport and must classify transport failures:
// an untagged error is treated as a job-logic failure and aborts the
// whole job.
type Executor interface {
	Run(ctx context.Context, spec models.JobSpec, ep models.Endpoint) (models.Metrics, error)
}

// FeatureBuilder builds missing input features for a symbol/date. Only
// invoked from preflight when the orchestrator is told to ensure
// features.
type FeatureBuilder interface {
	Build(ctx context.Context, symbol, date, featureset string) error
}

// InstanceTracker receives the identity of the one instance the active
// attempt owns, so the process-wide signal guard can destroy it on an
// abrupt exit.
type InstanceTracker interface {
	Track(instanceID string)
	Clear()
}

type noopTracker struct{}

func (noopTracker) Track(string) {}
func (noopTracker) Clear()       {}
