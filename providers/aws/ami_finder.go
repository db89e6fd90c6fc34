package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// GetGPUOptimizedAMI finds the newest available Deep Learning AMI that
// suits the instance type. The result is not cached; launches are rare
// enough that a DescribeImages per create is fine.
func (c *Client) GetGPUOptimizedAMI(ctx context.Context, instanceType string) (string, error) {
	out, err := c.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"amazon"},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{"Deep Learning AMI GPU PyTorch * (Ubuntu 22.04) *"}},
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("architecture"), Values: []string{"x86_64"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to search GPU AMIs: %w", err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("no GPU AMI available for %s in %s", instanceType, c.region)
	}

	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}
