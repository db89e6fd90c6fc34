package models

import "time"

// Offer is one candidate unit of rentable spot compute from the
// marketplace. Offers are ephemeral and consumed in the order returned.
type Offer struct {
	ID           string
	InstanceType string
	Region       string
	GPUType      string
	GPUMemoryGB  int
	DiskGB       int
	PricePerHour float64
}

// OfferRequest narrows the marketplace search to what the job needs.
type OfferRequest struct {
	GPUType     string
	MinGPUMemGB int
	MaxPrice    float64
}

// Endpoint is the remote-execution address for a provisioned instance.
type Endpoint struct {
	Host string
	Port int
	User string
}

// Lease is the persisted claim on one live instance. Its existence in
// the object store, not any in-process flag, is the source of truth for
// "this instance is still owned by a live orchestrator"; an external
// reaper uses heartbeat age to find instances orphaned by a crash.
type Lease struct {
	InstanceID      string    `json:"instanceId"`
	Symbol          string    `json:"symbol"`
	JobID           string    `json:"jobId"`
	CreatedAt       time.Time `json:"createdAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}
