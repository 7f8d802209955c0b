// Package config loads the pipeline configuration from YAML with environment
// overrides.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"stockcast/market"
	"stockcast/ml"
)

// Config holds all pipeline configuration.
type Config struct {
	Main struct {
		ProjectName    string `yaml:"project_name"`
		ExperimentName string `yaml:"experiment_name"`
		Steps          string `yaml:"steps"`
		ArtifactRoot   string `yaml:"artifact_root"`
		WorkDir        string `yaml:"work_dir"`
		Retries        int    `yaml:"retries"`
		Schedule       string `yaml:"schedule"`
	} `yaml:"main"`
	Log struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	DataIngestion struct {
		StockName string `yaml:"stock_name"`
		StartDate string `yaml:"start_date"`
		EndDate   string `yaml:"end_date"`
		Source    string `yaml:"source"`
		CSVPath   string `yaml:"csv_path"`
		Proxy     string `yaml:"proxy"`
	} `yaml:"data_ingestion"`
	DataSegregation struct {
		TrainValPct float64 `yaml:"train_val_pct"`
	} `yaml:"data_segregation"`
	FeatureEngineering struct {
		Features []ml.FeatureSpec `yaml:"features"`
	} `yaml:"feature_engineering"`
	Training struct {
		TrainPct    float64 `yaml:"train_pct"`
		Hyperparams string  `yaml:"hyperparams"`
	} `yaml:"training"`
	Database struct {
		URL   string `yaml:"url"`
		Table string `yaml:"table"`
	} `yaml:"database"`
	Metrics struct {
		PushgatewayURL string `yaml:"pushgateway_url"`
		Job            string `yaml:"job"`
	} `yaml:"metrics"`
	Events struct {
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
	} `yaml:"events"`
	Dashboard struct {
		Port        int `yaml:"port"`
		PollSeconds int `yaml:"poll_seconds"`
	} `yaml:"dashboard"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("ARTIFACT_ROOT"); v != "" {
		cfg.Main.ArtifactRoot = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" && cfg.DataIngestion.Proxy == "" {
		cfg.DataIngestion.Proxy = v
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Main.ProjectName == "" {
		c.Main.ProjectName = "stockcast"
	}
	if c.Main.ExperimentName == "" {
		c.Main.ExperimentName = "development"
	}
	if c.Main.Steps == "" {
		c.Main.Steps = "all"
	}
	if c.Main.ArtifactRoot == "" {
		c.Main.ArtifactRoot = "artifacts"
	}
	if c.Main.WorkDir == "" {
		c.Main.WorkDir = "work"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.DataIngestion.StockName == "" {
		c.DataIngestion.StockName = "AAPL"
	}
	if c.DataIngestion.StartDate == "" {
		c.DataIngestion.StartDate = "2015-01-01"
	}
	if c.DataIngestion.Source == "" {
		c.DataIngestion.Source = "yahoo"
	}
	if c.DataSegregation.TrainValPct == 0 {
		c.DataSegregation.TrainValPct = 0.8
	}
	if len(c.FeatureEngineering.Features) == 0 {
		c.FeatureEngineering.Features = ml.DefaultFeatureSpecs()
	}
	if c.Training.TrainPct == 0 {
		c.Training.TrainPct = 0.8
	}
	if c.Database.URL == "" {
		c.Database.URL = "sqlite://predictions.db"
	}
	if c.Database.Table == "" {
		c.Database.Table = "stocks_predictions"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "stockcast"
	}
	if c.Events.Subject == "" {
		c.Events.Subject = "stockcast.predictions"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Dashboard.PollSeconds == 0 {
		c.Dashboard.PollSeconds = 30
	}
}

// Validate checks that all fields hold usable values.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateMain, c.validateDates, c.validateSource, c.validateSplits, c.validateFeatures,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStep checks only the sections a single step command reads; the
// remaining inputs of those commands come from flags.
func (c *Config) ValidateStep(step string) error {
	if err := c.validateMain(); err != nil {
		return err
	}
	switch step {
	case "data_ingestion":
		return c.validateSource()
	case "feature_engineering":
		return c.validateFeatures()
	}
	return nil
}

func (c *Config) validateMain() error {
	if c.Main.Retries < 0 {
		return fmt.Errorf("main.retries must not be negative")
	}
	return nil
}

func (c *Config) validateDates() error {
	start, err := c.StartDate()
	if err != nil {
		return fmt.Errorf("data_ingestion.start_date: %w", err)
	}
	end, err := c.EndDate()
	if err != nil {
		return fmt.Errorf("data_ingestion.end_date: %w", err)
	}
	if !start.Before(end) {
		return fmt.Errorf("data_ingestion.start_date must be before end_date")
	}
	return nil
}

func (c *Config) validateSource() error {
	switch c.DataIngestion.Source {
	case "yahoo":
	case "csv":
		if c.DataIngestion.CSVPath == "" {
			return fmt.Errorf("data_ingestion.csv_path is required for the csv source")
		}
	default:
		return fmt.Errorf("data_ingestion.source must be yahoo or csv, got %q", c.DataIngestion.Source)
	}
	return nil
}

func (c *Config) validateSplits() error {
	if p := c.DataSegregation.TrainValPct; p <= 0 || p > 1 {
		return fmt.Errorf("data_segregation.train_val_pct must be in (0, 1], got %v", p)
	}
	if p := c.Training.TrainPct; p <= 0 || p > 1 {
		return fmt.Errorf("training.train_pct must be in (0, 1], got %v", p)
	}
	return nil
}

func (c *Config) validateFeatures() error {
	if _, err := ml.NewFeaturePipeline(c.FeatureEngineering.Features); err != nil {
		return fmt.Errorf("feature_engineering.features: %w", err)
	}
	return nil
}

func (c *Config) StartDate() (time.Time, error) {
	return time.Parse(market.DateLayout, c.DataIngestion.StartDate)
}

// EndDate is exclusive; empty means tomorrow so today's bar is included.
func (c *Config) EndDate() (time.Time, error) {
	if c.DataIngestion.EndDate == "" {
		return time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 1), nil
	}
	return time.Parse(market.DateLayout, c.DataIngestion.EndDate)
}

// ActiveSteps expands "all" or a comma separated list.
func (c *Config) ActiveSteps(all []string) []string {
	if strings.TrimSpace(c.Main.Steps) == "all" {
		return all
	}
	var steps []string
	for _, s := range strings.Split(c.Main.Steps, ",") {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}

// RequireFlags reports the named flags that were not set on the command line.
func RequireFlags(fs *flag.FlagSet, names ...string) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var missing []string
	for _, name := range names {
		if !set[name] {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}
	return nil
}
