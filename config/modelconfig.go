package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelConfig is the YAML model-defaults file: a default model section
// plus optional per-symbol overrides.
//
//	defaults:
//	  type: lightgbm
//	  params:
//	    num_leaves: 64
//	symbols:
//	  BTCUSDT:
//	    params:
//	      num_leaves: 128
type ModelConfig struct {
	Defaults ModelSection            `yaml:"defaults"`
	Symbols  map[string]ModelSection `yaml:"symbols"`
}

// ModelSection is one model override block.
type ModelSection struct {
	Type          string                 `yaml:"type"`
	Params        map[string]interface{} `yaml:"params"`
	FeatureParams map[string]interface{} `yaml:"feature_params"`
}

// LoadModelConfig parses the model-defaults file at path.
func LoadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var cfg ModelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	return &cfg, nil
}

// Overrides returns the generator override map for a symbol: the
// defaults section layered with the symbol's section. Nil when the
// config has nothing to say.
func (c *ModelConfig) Overrides(symbol string) map[string]interface{} {
	if c == nil {
		return nil
	}
	merged := c.Defaults.asMap()
	if sym, ok := c.Symbols[symbol]; ok {
		for k, v := range sym.asMap() {
			if existing, ok := merged[k].(map[string]interface{}); ok {
				if over, ok := v.(map[string]interface{}); ok {
					for pk, pv := range over {
						existing[pk] = pv
					}
					continue
				}
			}
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func (s ModelSection) asMap() map[string]interface{} {
	m := map[string]interface{}{}
	if s.Type != "" {
		m["type"] = s.Type
	}
	if len(s.Params) > 0 {
		params := map[string]interface{}{}
		for k, v := range s.Params {
			params[k] = v
		}
		m["params"] = params
	}
	if len(s.FeatureParams) > 0 {
		fp := map[string]interface{}{}
		for k, v := range s.FeatureParams {
			fp[k] = v
		}
		m["featureParams"] = fp
	}
	return m
}
