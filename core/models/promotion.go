package models

import "time"

// Metrics is the flat metric record a training job produces. Missing
// keys are resolved by the promotion engine to the least favorable
// value for the field, never by erroring.
type Metrics map[string]float64

// Has reports whether the metric is present.
func (m Metrics) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// MetricsRecord is the production metrics blob for a symbol, annotated
// with the job that promoted it.
type MetricsRecord struct {
	Metrics      Metrics   `json:"metrics"`
	PromotedFrom string    `json:"promotedFrom,omitempty"`
	PromotedAt   time.Time `json:"promotedAt,omitempty"`
}

// PromotionMode selects the promotion engine's side-effect policy.
type PromotionMode string

const (
	PromoteOff  PromotionMode = "off"
	PromoteDry  PromotionMode = "dry"
	PromoteAuto PromotionMode = "auto"
)

// DecisionOutcome is the terminal state of one promotion evaluation.
type DecisionOutcome string

const (
	DecisionOff      DecisionOutcome = "off"
	DecisionPromoted DecisionOutcome = "promoted"
	DecisionRejected DecisionOutcome = "rejected"
	DecisionDryPass  DecisionOutcome = "dry_pass"
)

// ComparisonSide holds the two scalars one side of a comparison was
// judged on.
type ComparisonSide struct {
	Primary  float64 `json:"primary"`
	Drawdown float64 `json:"drawdown"`
}

// Comparison records both sides of a promotion comparison.
type Comparison struct {
	New     ComparisonSide `json:"new"`
	Current ComparisonSide `json:"current"`
}

// PromotionDecision is produced once per completed job and never
// mutated afterward.
type PromotionDecision struct {
	Symbol     string          `json:"symbol"`
	JobID      string          `json:"jobId"`
	Mode       PromotionMode   `json:"mode"`
	Decision   DecisionOutcome `json:"decision"`
	Reason     string          `json:"reason"`
	Comparison *Comparison     `json:"comparison,omitempty"`
	ConfigNote string          `json:"configNote,omitempty"`
}

// DecisionConfig is the runtime decision configuration published
// alongside a promoted model. ConfigHash covers the semantic fields
// only (JobID and CreatedAt are excluded) so re-publishing an identical
// decision is detectable.
type DecisionConfig struct {
	Symbol            string    `json:"symbol"`
	FeaturesetVersion string    `json:"featuresetVersion"`
	LabelHorizonSec   int       `json:"labelHorizonSec"`
	PrimaryMetric     string    `json:"primaryMetric"`
	BestThreshold     float64   `json:"bestThreshold"`
	ThresholdGrid     []float64 `json:"thresholdGrid"`
	ProbaSource       string    `json:"probaSource"`
	JobID             string    `json:"jobId"`
	CreatedAt         time.Time `json:"createdAt"`
	ConfigHash        string    `json:"configHash"`
}
