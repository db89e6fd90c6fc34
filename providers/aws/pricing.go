package aws

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

var pricingLocations = map[string]string{
	"us-east-1": "US East (N. Virginia)",
	"us-east-2": "US East (Ohio)",
	"us-west-1": "US West (N. California)",
	"us-west-2": "US West (Oregon)",
	"eu-west-1": "EU (Ireland)",
}

var baselineCache sync.Map // instanceType -> float64

// onDemandBaseline returns the on-demand hourly price for an instance
// type, or 0 when it cannot be determined. Failures only disable the
// overpriced-offer filter, so they are logged and absorbed.
func (c *Client) onDemandBaseline(ctx context.Context, instanceType string) float64 {
	if v, ok := baselineCache.Load(instanceType); ok {
		return v.(float64)
	}

	location, ok := pricingLocations[c.region]
	if !ok {
		return 0
	}

	out, err := c.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		MaxResults:  aws.Int32(1),
		Filters: []types.Filter{
			{Type: types.FilterTypeTermMatch, Field: aws.String("instanceType"), Value: aws.String(instanceType)},
			{Type: types.FilterTypeTermMatch, Field: aws.String("location"), Value: aws.String(location)},
			{Type: types.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
			{Type: types.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("Shared")},
			{Type: types.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
			{Type: types.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
		},
	})
	if err != nil {
		log.Printf("On-demand pricing lookup for %s failed: %v", instanceType, err)
		return 0
	}
	if len(out.PriceList) == 0 {
		return 0
	}

	price := parseOnDemandPrice(out.PriceList[0])
	baselineCache.Store(instanceType, price)
	return price
}

// parseOnDemandPrice digs the USD hourly rate out of a Pricing API
// price-list document.
func parseOnDemandPrice(doc string) float64 {
	var product struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit struct {
						USD string `json:"USD"`
					} `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(doc), &product); err != nil {
		return 0
	}
	for _, term := range product.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if price, err := strconv.ParseFloat(dim.PricePerUnit.USD, 64); err == nil {
				return price
			}
		}
	}
	return 0
}
