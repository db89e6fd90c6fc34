package aws

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"train-orchestrator/core/models"
)

// gpuInstanceType maps a GPU class to the EC2 instance types that carry
// it, with their capability descriptors.
type gpuInstanceType struct {
	instanceType string
	gpuType      string
	gpuMemoryGB  int
	diskGB       int
}

var gpuInstanceTypes = []gpuInstanceType{
	{"g4dn.xlarge", "T4", 16, 125},
	{"g4dn.2xlarge", "T4", 16, 225},
	{"g5.xlarge", "A10G", 24, 250},
	{"g5.2xlarge", "A10G", 24, 450},
	{"p3.2xlarge", "V100", 16, 100},
	{"p4d.24xlarge", "A100", 320, 1000},
}

// SearchOffers returns current spot offers for the requested GPU class,
// cheapest first. One offer is produced per (instance type, AZ) pair
// seen in recent spot price history; offers priced above the on-demand
// baseline are dropped since spot above on-demand means the pool is
// starved.
func (c *Client) SearchOffers(ctx context.Context, req models.OfferRequest) ([]models.Offer, error) {
	candidates := matchingInstanceTypes(req)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no instance types carry GPU type %q", req.GPUType)
	}

	instanceTypes := make([]types.InstanceType, 0, len(candidates))
	for _, cand := range candidates {
		instanceTypes = append(instanceTypes, types.InstanceType(cand.instanceType))
	}

	out, err := c.ec2Client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       instanceTypes,
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(time.Now().Add(-1 * time.Hour)),
		MaxResults:          aws.Int32(500),
	})
	if err != nil {
		return nil, fmt.Errorf("spot price history query failed: %w", err)
	}

	// Keep only the most recent price per (type, AZ).
	latest := map[string]types.SpotPrice{}
	for _, sp := range out.SpotPriceHistory {
		key := string(sp.InstanceType) + "/" + aws.ToString(sp.AvailabilityZone)
		cur, seen := latest[key]
		if !seen || sp.Timestamp.After(aws.ToTime(cur.Timestamp)) {
			latest[key] = sp
		}
	}

	var offers []models.Offer
	for key, sp := range latest {
		price, err := strconv.ParseFloat(aws.ToString(sp.SpotPrice), 64)
		if err != nil {
			continue
		}
		cand := candidateFor(string(sp.InstanceType))
		if cand == nil {
			continue
		}
		if req.MaxPrice > 0 && price > req.MaxPrice {
			continue
		}
		if baseline := c.onDemandBaseline(ctx, cand.instanceType); baseline > 0 && price > baseline {
			log.Printf("Offer %s at $%.3f/h exceeds on-demand $%.3f/h, skipping", key, price, baseline)
			continue
		}
		offers = append(offers, models.Offer{
			ID:           key,
			InstanceType: cand.instanceType,
			Region:       c.region,
			GPUType:      cand.gpuType,
			GPUMemoryGB:  cand.gpuMemoryGB,
			DiskGB:       cand.diskGB,
			PricePerHour: price,
		})
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].PricePerHour != offers[j].PricePerHour {
			return offers[i].PricePerHour < offers[j].PricePerHour
		}
		return offers[i].ID < offers[j].ID
	})
	return offers, nil
}

func matchingInstanceTypes(req models.OfferRequest) []gpuInstanceType {
	var out []gpuInstanceType
	for _, cand := range gpuInstanceTypes {
		if req.GPUType != "" && cand.gpuType != req.GPUType {
			continue
		}
		if req.MinGPUMemGB > 0 && cand.gpuMemoryGB < req.MinGPUMemGB {
			continue
		}
		out = append(out, cand)
	}
	return out
}

func candidateFor(instanceType string) *gpuInstanceType {
	for i := range gpuInstanceTypes {
		if gpuInstanceTypes[i].instanceType == instanceType {
			return &gpuInstanceTypes[i]
		}
	}
	return nil
}
