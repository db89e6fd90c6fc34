package models

// JobSpec is an immutable, content-addressed description of one training run.
// Identical (symbol, date, model config) inputs always produce the same
// JobID and ConfigHash, so re-submission is idempotent.
type JobSpec struct {
	JobID      string      `json:"jobId"`
	Dataset    DatasetSpec `json:"dataset"`
	Model      ModelSpec   `json:"model"`
	Runtime    RuntimeSpec `json:"runtime"`
	Output     OutputSpec  `json:"output"`
	ConfigHash string      `json:"configHash"`
}

// DatasetSpec describes the training inputs for one symbol/date.
type DatasetSpec struct {
	Symbol            string    `json:"symbol"`
	Exchange          string    `json:"exchange"`
	Stream            string    `json:"stream"`
	DateRange         DateRange `json:"dateRange"`
	FeaturesetVersion string    `json:"featuresetVersion"`
	LabelHorizonSec   int       `json:"labelHorizonSec"`
	FeaturePath       string    `json:"featurePath"`
	MetaPath          string    `json:"metaPath"`
}

// DateRange is an inclusive date interval, YYYY-MM-DD.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ModelSpec describes the model to train.
type ModelSpec struct {
	Type          string                 `json:"type"`
	Params        map[string]interface{} `json:"params"`
	FeatureParams map[string]interface{} `json:"featureParams"`
}

// RuntimeSpec describes the compute the job needs.
type RuntimeSpec struct {
	Backend           string `json:"backend"`
	GPUType           string `json:"gpuType"`
	MaxRuntimeMinutes int    `json:"maxRuntimeMinutes"`
}

// OutputSpec names the staging keys the remote job writes to.
type OutputSpec struct {
	ArtifactPath string `json:"artifactPath"`
	MetricsPath  string `json:"metricsPath"`
}
