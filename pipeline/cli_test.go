package pipeline

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcast/artifact"
	"stockcast/config"
	"stockcast/market"
)

func ingestCommand(stderr *bytes.Buffer) *Command {
	fs := flag.NewFlagSet(StepIngestion, flag.ContinueOnError)
	stockName := fs.String("stock_name", "", "")
	startDate := fs.String("start_date", "", "")
	endDate := fs.String("end_date", "", "")
	output := ArtifactFlags(fs, "output")
	return &Command{
		Step:     StepIngestion,
		Flags:    fs,
		Required: append([]string{"stock_name", "start_date", "end_date"}, ArtifactFlagNames("output")...),
		Stderr:   stderr,
		Run: func(ctx context.Context, env *Env, cfg *config.Config) error {
			start, err := time.Parse(market.DateLayout, *startDate)
			if err != nil {
				return err
			}
			end, err := time.Parse(market.DateLayout, *endDate)
			if err != nil {
				return err
			}
			_, err = Ingest(ctx, env, IngestParams{StockName: *stockName, Start: start, End: end, Output: *output})
			return err
		},
	}
}

func writeConfig(t *testing.T, dir, csvPath string) string {
	t.Helper()
	doc := fmt.Sprintf(`
main:
  artifact_root: %s
  work_dir: %s
data_ingestion:
  source: csv
  csv_path: %s
  start_date: "2020-01-01"
  end_date: "2021-01-01"
`, filepath.Join(dir, "artifacts"), filepath.Join(dir, "work"), csvPath)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestArtifactFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	spec := ArtifactFlags(fs, "train_val_output")
	require.NoError(t, fs.Parse([]string{
		"--train_val_output_artifact", "train_val_data",
		"--train_val_output_type", "segregated_data",
		"--train_val_output_description", "rows",
	}))
	assert.Equal(t, ArtifactSpec{"train_val_data", "segregated_data", "rows"}, *spec)
	assert.Equal(t, []string{"train_val_output_artifact", "train_val_output_type", "train_val_output_description"},
		ArtifactFlagNames("train_val_output"))
}

func TestCommandMissingFlags(t *testing.T) {
	var stderr bytes.Buffer
	code := ingestCommand(&stderr).Execute([]string{"--stock_name", "AAPL"})
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr.String(), "--start_date")
	assert.Contains(t, stderr.String(), "--output_artifact")
}

func TestCommandUnknownFlag(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, ExitUsage, ingestCommand(&stderr).Execute([]string{"--nope"}))
}

func TestCommandRunsStep(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, writePriceCSV(t, dir, 60))

	var stderr bytes.Buffer
	code := ingestCommand(&stderr).Execute([]string{
		"--config", cfgPath,
		"--stock_name", "AAPL",
		"--start_date", "2020-01-01",
		"--end_date", "2020-02-01",
		"--output_artifact", "stock_data",
		"--output_type", "raw_data",
		"--output_description", "Stock raw data",
	})
	require.Equal(t, ExitOK, code, stderr.String())

	store, err := artifact.NewLocalStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	defer store.Close()
	a, err := store.Resolve(context.Background(), "stock_data:latest")
	require.NoError(t, err)
	assert.Equal(t, "stock_data:v0", a.Ref())
	assert.Equal(t, "raw_data", a.Kind)
}

func TestCommandStepFailure(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, writePriceCSV(t, dir, 20))

	var stderr bytes.Buffer
	code := ingestCommand(&stderr).Execute([]string{
		"--config", cfgPath,
		"--stock_name", "AAPL",
		"--start_date", "2023-01-01",
		"--end_date", "2023-02-01",
		"--output_artifact", "stock_data",
		"--output_type", "raw_data",
		"--output_description", "Stock raw data",
	})
	assert.Equal(t, ExitStep, code)
}

func TestCommandIgnoresUnrelatedConfigSections(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, writePriceCSV(t, dir, 40))
	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("training:\n  train_pct: 5\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var stderr bytes.Buffer
	code := ingestCommand(&stderr).Execute([]string{
		"--config", cfgPath,
		"--stock_name", "AAPL",
		"--start_date", "2020-01-01",
		"--end_date", "2020-02-01",
		"--output_artifact", "stock_data",
		"--output_type", "raw_data",
		"--output_description", "Stock raw data",
	})
	assert.Equal(t, ExitOK, code, stderr.String())
}
