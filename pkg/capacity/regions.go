package capacity

import (
	"time"
)

// supportedRegions lists every region where the recovery service operates.
var supportedRegions = []string{
	"af-south-1",
	"ap-east-1",
	"ap-northeast-1",
	"ap-northeast-2",
	"ap-northeast-3",
	"ap-south-1",
	"ap-south-2",
	"ap-southeast-1",
	"ap-southeast-2",
	"ap-southeast-3",
	"ap-southeast-4",
	"ca-central-1",
	"eu-central-1",
	"eu-central-2",
	"eu-north-1",
	"eu-south-1",
	"eu-south-2",
	"eu-west-1",
	"eu-west-2",
	"eu-west-3",
	"il-central-1",
	"me-central-1",
	"me-south-1",
	"sa-east-1",
	"us-east-1",
	"us-east-2",
	"us-west-1",
	"us-west-2",
}

// StaticRegions returns the full list of supported regions, sorted. It is the
// fallback answer whenever inventory records are unavailable.
func StaticRegions() []string {
	out := make([]string, len(supportedRegions))
	copy(out, supportedRegions)
	return out
}

// IsSupportedRegion reports whether region is in the static list.
func IsSupportedRegion(region string) bool {
	for _, r := range supportedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// RegionStatus is the inventory status of one account/region pair.
type RegionStatus string

const (
	// RegionStatusActive means the inventory query succeeded.
	RegionStatusActive RegionStatus = "ACTIVE"

	// RegionStatusError means the inventory query failed.
	RegionStatusError RegionStatus = "ERROR"

	// RegionStatusUninitialized means the recovery service was never set up
	// in the region.
	RegionStatusUninitialized RegionStatus = "UNINITIALIZED"
)

// RegionRecord is the inventory summary of one account in one region.
type RegionRecord struct {
	AccountID        string       `json:"account_id" dynamodbav:"account_id"`
	Region           string       `json:"region" dynamodbav:"region"`
	Status           RegionStatus `json:"status" dynamodbav:"status"`
	ResourceCount    int          `json:"resource_count" dynamodbav:"resource_count"`
	ReplicatingCount int          `json:"replicating_count" dynamodbav:"replicating_count"`
	LastChecked      time.Time    `json:"last_checked" dynamodbav:"last_checked"`
	ErrorMessage     string       `json:"error_message,omitempty" dynamodbav:"error_message,omitempty"`
}

// IsActive reports whether the record counts toward the active region list.
func (r RegionRecord) IsActive() bool {
	return r.Status == RegionStatusActive && r.ResourceCount > 0
}
