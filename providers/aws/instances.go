package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"train-orchestrator/core/models"
)

// CreateInstance launches one spot instance for the offer. Launch
// failures are classified for the retry loop: capacity and rate-limit
// conditions are retryable, everything else is fatal.
func (c *Client) CreateInstance(ctx context.Context, offer models.Offer, jobID string) (string, error) {
	amiID, err := c.GetGPUOptimizedAMI(ctx, offer.InstanceType)
	if err != nil {
		return "", models.Fatal(fmt.Errorf("failed to resolve AMI: %w", err))
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(amiID),
		InstanceType: types.InstanceType(offer.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		InstanceMarketOptions: &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType: types.SpotInstanceTypeOneTime,
				MaxPrice:         aws.String(strconv.FormatFloat(offer.PricePerHour*1.2, 'f', 4, 64)),
			},
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String("train-" + jobID)},
					{Key: aws.String("ManagedBy"), Value: aws.String("train-orchestrator")},
				},
			},
		},
	}
	if c.keyName != "" {
		input.KeyName = aws.String(c.keyName)
	}
	if c.securityGroupID != "" {
		input.SecurityGroupIds = []string{c.securityGroupID}
	}
	if az := offerAZ(offer.ID); az != "" {
		input.Placement = &types.Placement{AvailabilityZone: aws.String(az)}
	}

	result, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", classify(fmt.Errorf("failed to launch spot instance: %w", err))
	}
	if len(result.Instances) == 0 {
		return "", models.Retryable(errors.New("launch returned no instances"))
	}
	return aws.ToString(result.Instances[0].InstanceId), nil
}

// DestroyInstance terminates the instance. Terminating an already
// terminated instance is not an error.
func (c *Client) DestroyInstance(ctx context.Context, instanceID string) error {
	_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to terminate %s: %w", instanceID, err)
	}
	return nil
}

// WaitReady polls until the instance is running with a public address,
// or the bounded wait expires. Expiry is retryable: the offer's pool
// may simply be slow, the next offer deserves its chance.
func (c *Client) WaitReady(ctx context.Context, instanceID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return models.Retryable(fmt.Errorf("instance %s not ready within %s", instanceID, timeout))
		}

		inst, err := c.describeInstance(ctx, instanceID)
		if err == nil && inst.State != nil {
			switch inst.State.Name {
			case types.InstanceStateNameRunning:
				if aws.ToString(inst.PublicIpAddress) != "" {
					return nil
				}
			case types.InstanceStateNameTerminated, types.InstanceStateNameShuttingDown:
				// Spot reclaim during startup.
				return models.Retryable(fmt.Errorf("instance %s terminated while provisioning", instanceID))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
}

// Endpoint returns the SSH endpoint for a running instance.
func (c *Client) Endpoint(ctx context.Context, instanceID string) (models.Endpoint, error) {
	inst, err := c.describeInstance(ctx, instanceID)
	if err != nil {
		return models.Endpoint{}, classify(err)
	}
	host := aws.ToString(inst.PublicIpAddress)
	if host == "" {
		return models.Endpoint{}, models.Retryable(fmt.Errorf("instance %s has no public address", instanceID))
	}
	return models.Endpoint{Host: host, Port: 22, User: c.sshUser}, nil
}

func (c *Client) describeInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", instanceID, err)
	}
	for _, res := range out.Reservations {
		for i := range res.Instances {
			if aws.ToString(res.Instances[i].InstanceId) == instanceID {
				return &res.Instances[i], nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s not found", instanceID)
}

// offerAZ extracts the availability zone from an offer id of the form
// instanceType/az.
func offerAZ(offerID string) string {
	if i := strings.IndexByte(offerID, '/'); i >= 0 {
		return offerID[i+1:]
	}
	return ""
}
