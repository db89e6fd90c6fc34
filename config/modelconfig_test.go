package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadModelConfig(t *testing.T) {
	path := writeConfig(t, `
defaults:
  type: lightgbm
  params:
    num_leaves: 64
    learning_rate: 0.05
symbols:
  BTCUSDT:
    params:
      num_leaves: 128
  ETHUSDT:
    type: xgboost
`)

	cfg, err := LoadModelConfig(path)
	require.NoError(t, err)

	btc := cfg.Overrides("BTCUSDT")
	require.NotNil(t, btc)
	assert.Equal(t, "lightgbm", btc["type"])
	params := btc["params"].(map[string]interface{})
	assert.Equal(t, 128, params["num_leaves"])
	assert.Equal(t, 0.05, params["learning_rate"])

	eth := cfg.Overrides("ETHUSDT")
	assert.Equal(t, "xgboost", eth["type"])

	// Unknown symbols get the defaults only.
	sol := cfg.Overrides("SOLUSDT")
	assert.Equal(t, "lightgbm", sol["type"])
}

func TestLoadModelConfigMissingFile(t *testing.T) {
	_, err := LoadModelConfig("/nonexistent/models.yaml")
	assert.Error(t, err)
}

func TestNilModelConfigOverrides(t *testing.T) {
	var cfg *ModelConfig
	assert.Nil(t, cfg.Overrides("BTCUSDT"))
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "trading-ml", cfg.S3Bucket)
	assert.Equal(t, "off", cfg.PromoteMode)
	assert.Equal(t, "hit_rate", cfg.PrimaryMetric)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.MaxSSHFailedOffers)
}
