package aws

import (
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"train-orchestrator/core/models"
)

func TestMatchingInstanceTypes(t *testing.T) {
	t4 := matchingInstanceTypes(models.OfferRequest{GPUType: "T4"})
	assert.Len(t, t4, 2)
	for _, c := range t4 {
		assert.Equal(t, "T4", c.gpuType)
	}

	bigMem := matchingInstanceTypes(models.OfferRequest{MinGPUMemGB: 100})
	assert.Len(t, bigMem, 1)
	assert.Equal(t, "p4d.24xlarge", bigMem[0].instanceType)

	all := matchingInstanceTypes(models.OfferRequest{})
	assert.Len(t, all, len(gpuInstanceTypes))

	assert.Empty(t, matchingInstanceTypes(models.OfferRequest{GPUType: "H100"}))
}

func TestOfferAZ(t *testing.T) {
	assert.Equal(t, "us-east-1a", offerAZ("g4dn.xlarge/us-east-1a"))
	assert.Equal(t, "", offerAZ("g4dn.xlarge"))
}

func TestParseOnDemandPrice(t *testing.T) {
	doc := `{
		"terms": {
			"OnDemand": {
				"X.Y": {
					"priceDimensions": {
						"X.Y.Z": {"pricePerUnit": {"USD": "0.5260000000"}}
					}
				}
			}
		}
	}`
	assert.Equal(t, 0.526, parseOnDemandPrice(doc))
	assert.Equal(t, 0.0, parseOnDemandPrice("{not json"))
	assert.Equal(t, 0.0, parseOnDemandPrice("{}"))
}

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string                 { return e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestClassify(t *testing.T) {
	retryable := classify(&fakeAPIError{code: "InsufficientInstanceCapacity"})
	assert.Equal(t, models.FailureRetryable, models.KindOf(retryable))

	fatal := classify(&fakeAPIError{code: "UnauthorizedOperation"})
	assert.Equal(t, models.FailureFatal, models.KindOf(fatal))

	plain := classify(errors.New("connection reset"))
	assert.Equal(t, models.FailureFatal, models.KindOf(plain))
}
