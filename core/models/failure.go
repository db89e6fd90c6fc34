package models

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies what a failed provisioning or execution step
// means for the retry loop. The kind is assigned where the raw error is
// first seen (the marketplace client or the execution collaborator), so
// the retry loop switches on structured data, never on message text.
type FailureKind string

const (
	// FailureSSHHard means the transport never became usable on this
	// offer. The offer is blacklisted; a separate budget counts these
	// because bad offers are a fleet-quality problem, not a job problem.
	FailureSSHHard FailureKind = "ssh_hard"
	// FailureRetryable covers transient marketplace and runtime errors
	// worth trying the next offer for.
	FailureRetryable FailureKind = "retryable"
	// FailureFatal aborts the job; retrying on another offer cannot help.
	FailureFatal FailureKind = "fatal"
)

// Failure tags an error with its retry classification.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// SSHHard wraps err as an ssh-hard failure.
func SSHHard(err error) error { return &Failure{Kind: FailureSSHHard, Err: err} }

// Retryable wraps err as a retryable failure.
func Retryable(err error) error { return &Failure{Kind: FailureRetryable, Err: err} }

// Fatal wraps err as a non-retryable failure.
func Fatal(err error) error { return &Failure{Kind: FailureFatal, Err: err} }

// KindOf extracts the failure kind from err. Unclassified errors are
// fatal: an error nobody tagged is an error nobody promised retrying
// would fix.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureFatal
}

// InputsMissingError reports that preflight found required input
// artifacts absent from the object store. No compute was touched.
type InputsMissingError struct {
	Symbol  string
	Missing []string
}

func (e *InputsMissingError) Error() string {
	return fmt.Sprintf("inputs missing for %s: %s", e.Symbol, strings.Join(e.Missing, ", "))
}

// OfferExhaustedError reports that both retry budgets were consumed
// without a successful attempt.
type OfferExhaustedError struct {
	Attempts        int
	SSHFailedOffers int
}

func (e *OfferExhaustedError) Error() string {
	return fmt.Sprintf("no working offer: %d attempts, %d ssh-failed offers", e.Attempts, e.SSHFailedOffers)
}

// PromotionWriteError reports a storage write failure during promotion
// publish. The job must not be reported as promoted when this occurs.
type PromotionWriteError struct {
	Op  string
	Err error
}

func (e *PromotionWriteError) Error() string {
	return fmt.Sprintf("promotion write %s: %v", e.Op, e.Err)
}

func (e *PromotionWriteError) Unwrap() error { return e.Err }
