package jobspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"train-orchestrator/core/models"
)

// Generator turns (symbol, date, overrides) into fully-specified
// JobSpecs. It is pure: no I/O, no clock reads (YesterdayUTC excepted),
// so identical inputs always produce identical job identity.
type Generator struct {
	Exchange          string
	Stream            string
	FeaturesetVersion string
	LabelHorizonSec   int
	GPUType           string
	MaxRuntimeMinutes int
	ModelDefaults     models.ModelSpec
}

// NewGenerator creates a generator with the platform defaults.
func NewGenerator() *Generator {
	return &Generator{
		Exchange:          "binance",
		Stream:            "trades",
		FeaturesetVersion: "fs_v3",
		LabelHorizonSec:   900,
		GPUType:           "T4",
		MaxRuntimeMinutes: 120,
		ModelDefaults: models.ModelSpec{
			Type: "lightgbm",
			Params: map[string]interface{}{
				"objective":     "binary",
				"num_leaves":    64,
				"learning_rate": 0.05,
				"n_estimators":  400,
			},
			FeatureParams: map[string]interface{}{
				"windows":     []interface{}{60, 300, 900},
				"vol_scaling": true,
			},
		},
	}
}

// Generate builds the JobSpec for one symbol/date. Overrides are merged
// over the model defaults rather than validated; this function only
// describes intent, feasibility is checked downstream.
func (g *Generator) Generate(symbol, date string, overrides map[string]interface{}) models.JobSpec {
	model := g.mergeModel(overrides)

	hash := HashConfig(map[string]interface{}{
		"symbol":      symbol,
		"date":        date,
		"modelConfig": model,
	})
	jobID := fmt.Sprintf("train_%s_%s_%s", strings.ToLower(symbol), date, hash[:8])

	featureBase := fmt.Sprintf("features/%s/%s/%s", g.FeaturesetVersion, symbol, date)
	return models.JobSpec{
		JobID: jobID,
		Dataset: models.DatasetSpec{
			Symbol:            symbol,
			Exchange:          g.Exchange,
			Stream:            g.Stream,
			DateRange:         models.DateRange{Start: date, End: date},
			FeaturesetVersion: g.FeaturesetVersion,
			LabelHorizonSec:   g.LabelHorizonSec,
			FeaturePath:       featureBase + ".parquet",
			MetaPath:          featureBase + ".meta.json",
		},
		Model: model,
		Runtime: models.RuntimeSpec{
			Backend:           "spot",
			GPUType:           g.GPUType,
			MaxRuntimeMinutes: g.MaxRuntimeMinutes,
		},
		Output: models.OutputSpec{
			ArtifactPath: fmt.Sprintf("artifacts/%s/model.bin", jobID),
			MetricsPath:  fmt.Sprintf("artifacts/%s/metrics.json", jobID),
		},
		ConfigHash: hash,
	}
}

// GenerateBatch applies Generate to each symbol for one date.
func (g *Generator) GenerateBatch(symbols []string, date string, overrides map[string]interface{}) []models.JobSpec {
	specs := make([]models.JobSpec, 0, len(symbols))
	for _, symbol := range symbols {
		specs = append(specs, g.Generate(symbol, date, overrides))
	}
	return specs
}

// mergeModel layers overrides over the model defaults. Param maps merge
// key-by-key; scalar fields replace.
func (g *Generator) mergeModel(overrides map[string]interface{}) models.ModelSpec {
	model := models.ModelSpec{
		Type:          g.ModelDefaults.Type,
		Params:        mergeMaps(g.ModelDefaults.Params, nil),
		FeatureParams: mergeMaps(g.ModelDefaults.FeatureParams, nil),
	}
	if overrides == nil {
		return model
	}
	if t, ok := overrides["type"].(string); ok && t != "" {
		model.Type = t
	}
	if p, ok := overrides["params"].(map[string]interface{}); ok {
		model.Params = mergeMaps(model.Params, p)
	}
	if fp, ok := overrides["featureParams"].(map[string]interface{}); ok {
		model.FeatureParams = mergeMaps(model.FeatureParams, fp)
	}
	return model
}

func mergeMaps(base, over map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(over))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range over {
		merged[k] = v
	}
	return merged
}

// HashConfig returns the SHA-256 hex digest of the canonical JSON form
// of v. Canonicalization goes through a JSON round-trip so every map
// level serializes with sorted keys and field order never affects the
// hash.
func HashConfig(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		// Job configs are plain JSON-able maps; a marshal failure here
		// is a programming error.
		panic(fmt.Sprintf("unhashable config: %v", err))
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		panic(fmt.Sprintf("unhashable config: %v", err))
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		panic(fmt.Sprintf("unhashable config: %v", err))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// YesterdayUTC returns yesterday's date in UTC as YYYY-MM-DD. The only
// clock read in this package; UTC keeps job identity stable across host
// timezones.
func YesterdayUTC() string {
	return time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
}
