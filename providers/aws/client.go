package aws

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
)

// Client is the EC2 spot marketplace client: offer discovery over spot
// price history and the instance lifecycle for one training run.
type Client struct {
	ec2Client     *ec2.Client
	pricingClient *pricing.Client
	region        string

	keyName         string
	securityGroupID string
	sshUser         string
}

// Options configures the marketplace client.
type Options struct {
	Region          string
	KeyName         string
	SecurityGroupID string
	SSHUser         string
}

// NewClient creates a new marketplace client. The Pricing API only
// lives in us-east-1, so the pricing client is pinned there regardless
// of the compute region.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	pricingCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion("us-east-1"))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS pricing config: %w", err)
	}

	sshUser := opts.SSHUser
	if sshUser == "" {
		sshUser = "ubuntu"
	}

	return &Client{
		ec2Client:       ec2.NewFromConfig(cfg),
		pricingClient:   pricing.NewFromConfig(pricingCfg),
		region:          opts.Region,
		keyName:         opts.KeyName,
		securityGroupID: opts.SecurityGroupID,
		sshUser:         sshUser,
	}, nil
}
