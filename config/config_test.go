package config

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stockcast/ml"
)

const sample = `
main:
  steps: data_ingestion,data_cleaning
  retries: 2
data_ingestion:
  stock_name: MSFT
  start_date: "2020-01-01"
  end_date: "2021-01-01"
feature_engineering:
  features:
    - name: rsi
      params:
        period: 7
    - name: obv
training:
  train_pct: 0.7
  hyperparams: config/hyperparams.json
database:
  table: preds
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "MSFT", cfg.DataIngestion.StockName)
	assert.Equal(t, 2, cfg.Main.Retries)
	assert.Equal(t, 0.7, cfg.Training.TrainPct)
	assert.Equal(t, 0.8, cfg.DataSegregation.TrainValPct, "default applied")
	assert.Equal(t, "preds", cfg.Database.Table)
	require.Len(t, cfg.FeatureEngineering.Features, 2)
	assert.Equal(t, 7, cfg.FeatureEngineering.Features[0].Params["period"])
	assert.Equal(t, []string{"data_ingestion", "data_cleaning"}, cfg.ActiveSteps([]string{"x"}))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "stocks_predictions", cfg.Database.Table)
	assert.Equal(t, []string{"a", "b"}, cfg.ActiveSteps([]string{"a", "b"}))
	assert.Len(t, cfg.FeatureEngineering.Features, 4)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_URL", "postgres://u:p@localhost/stocks")
	t.Setenv("ARTIFACT_ROOT", "/tmp/artifacts")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost/stocks", cfg.Database.URL)
	assert.Equal(t, "/tmp/artifacts", cfg.Main.ArtifactRoot)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad start", func(c *Config) { c.DataIngestion.StartDate = "yesterday" }},
		{"start after end", func(c *Config) { c.DataIngestion.EndDate = "2010-01-01" }},
		{"csv without path", func(c *Config) { c.DataIngestion.Source = "csv" }},
		{"unknown source", func(c *Config) { c.DataIngestion.Source = "ftp" }},
		{"split zero", func(c *Config) { c.DataSegregation.TrainValPct = -1 }},
		{"train pct above one", func(c *Config) { c.Training.TrainPct = 1.5 }},
		{"negative retries", func(c *Config) { c.Main.Retries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sample))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateStep(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	cfg.DataIngestion.StartDate = "yesterday"
	cfg.DataIngestion.Source = "ftp"
	cfg.Training.TrainPct = 1.5

	assert.Error(t, cfg.Validate())
	assert.NoError(t, cfg.ValidateStep("data_cleaning"), "cleaning reads none of the broken sections")
	assert.NoError(t, cfg.ValidateStep("training"), "train_pct comes from a flag")
	assert.Error(t, cfg.ValidateStep("data_ingestion"), "ingestion needs a valid source")

	cfg.FeatureEngineering.Features = []ml.FeatureSpec{{Name: "vwap"}}
	assert.Error(t, cfg.ValidateStep("feature_engineering"))

	cfg.Main.Retries = -1
	assert.Error(t, cfg.ValidateStep("data_cleaning"))
}

func TestRequireFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.String("input_artifact", "", "")
	fs.String("output_artifact", "", "")
	require.NoError(t, fs.Parse([]string{"--input_artifact", "stock_data:latest"}))

	err := RequireFlags(fs, "input_artifact", "output_artifact")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--output_artifact")
	assert.NotContains(t, err.Error(), "--input_artifact")

	assert.NoError(t, RequireFlags(fs, "input_artifact"))
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, sample)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zap.NewNop(), func(cfg *Config) { changes <- cfg })
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	updated := []byte(sample + "\ndashboard:\n  port: 9090\n")
	require.NoError(t, os.WriteFile(path, updated, 0o600))

	select {
	case cfg := <-changes:
		assert.Equal(t, 9090, cfg.Dashboard.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}

	cancel()
	assert.NoError(t, <-done)
}
