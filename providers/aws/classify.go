package aws

import (
	"errors"

	"github.com/aws/smithy-go"

	"train-orchestrator/core/models"
)

// retryableAPICodes are the EC2 API error codes worth trying the next
// offer for: capacity, pricing and throttling conditions that say
// nothing about the job itself.
var retryableAPICodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"SpotMaxPriceTooLow":           true,
	"MaxSpotInstanceCountExceeded": true,
	"InstanceLimitExceeded":        true,
	"RequestLimitExceeded":         true,
	"Unavailable":                  true,
	"InternalError":                true,
	"RequestExpired":               true,
}

// classify tags a raw EC2 SDK error with its retry classification. This
// is the collaborator boundary: past here the retry loop only ever sees
// models.FailureKind, never error text.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && retryableAPICodes[apiErr.ErrorCode()] {
		return models.Retryable(err)
	}
	return models.Fatal(err)
}
