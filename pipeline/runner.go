package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stockcast/artifact"
	"stockcast/config"
	"stockcast/market"
)

// 步骤名，按执行顺序
const (
	StepIngestion          = "data_ingestion"
	StepCleaning           = "data_cleaning"
	StepSegregation        = "data_segregation"
	StepFeatureEngineering = "feature_engineering"
	StepTraining           = "training"
	StepPrediction         = "prediction"
	StepSavePrediction     = "save_prediction"
)

// Steps 全部步骤
var Steps = []string{
	StepIngestion,
	StepCleaning,
	StepSegregation,
	StepFeatureEngineering,
	StepTraining,
	StepPrediction,
	StepSavePrediction,
}

// 编排器在步骤间传递的工件
var (
	RawArtifact      = ArtifactSpec{"stock_data", "raw_data", "Stock raw data"}
	CleanedArtifact  = ArtifactSpec{"cleaned_data", "cleaned_data", "Stock data cleaned"}
	TrainValArtifact = ArtifactSpec{"train_val_data", "segregated_data", "Train and validation rows"}
	TestArtifact     = ArtifactSpec{"test_data", "segregated_data", "Held out test rows"}
	FeatureArtifact  = ArtifactSpec{"feature_pipeline", "model_export", "Feature engineering pipeline"}
	ModelArtifact    = ArtifactSpec{"model", "model_export", "Feature pipeline with fitted classifier"}
	PredArtifact     = ArtifactSpec{"prediction_data", "prediction_data", "Test rows with predictions"}
)

func latest(a ArtifactSpec) string { return a.Name + ":latest" }

type stepFunc func(ctx context.Context, env *Env, cfg *config.Config) error

var stepFuncs = map[string]stepFunc{
	StepIngestion: func(ctx context.Context, env *Env, cfg *config.Config) error {
		start, err := cfg.StartDate()
		if err != nil {
			return err
		}
		end, err := cfg.EndDate()
		if err != nil {
			return err
		}
		_, err = Ingest(ctx, env, IngestParams{
			StockName: cfg.DataIngestion.StockName,
			Start:     start,
			End:       end,
			Output:    RawArtifact,
		})
		return err
	},
	StepCleaning: func(ctx context.Context, env *Env, cfg *config.Config) error {
		_, err := Clean(ctx, env, CleanParams{Input: latest(RawArtifact), Output: CleanedArtifact})
		return err
	},
	StepSegregation: func(ctx context.Context, env *Env, cfg *config.Config) error {
		_, _, err := Segregate(ctx, env, SegregateParams{
			Input:       latest(CleanedArtifact),
			TrainValPct: cfg.DataSegregation.TrainValPct,
			TrainVal:    TrainValArtifact,
			Test:        TestArtifact,
		})
		return err
	},
	StepFeatureEngineering: func(ctx context.Context, env *Env, cfg *config.Config) error {
		_, err := FeatureEngineering(ctx, env, FeatureEngineeringParams{
			Features: cfg.FeatureEngineering.Features,
			Output:   FeatureArtifact,
		})
		return err
	},
	StepTraining: func(ctx context.Context, env *Env, cfg *config.Config) error {
		_, _, err := Train(ctx, env, TrainParams{
			Input:           latest(TrainValArtifact),
			FeaturePipeline: latest(FeatureArtifact),
			TrainPct:        cfg.Training.TrainPct,
			HyperparamsPath: cfg.Training.Hyperparams,
			Output:          ModelArtifact,
		})
		return err
	},
	StepPrediction: func(ctx context.Context, env *Env, cfg *config.Config) error {
		_, err := Predict(ctx, env, PredictParams{
			Input:  latest(TestArtifact),
			Model:  latest(ModelArtifact),
			Output: PredArtifact,
		})
		return err
	},
	StepSavePrediction: func(ctx context.Context, env *Env, cfg *config.Config) error {
		_, err := SavePrediction(ctx, env, SavePredictionParams{
			Input:       latest(PredArtifact),
			Model:       latest(ModelArtifact),
			DatabaseURL: cfg.Database.URL,
			Table:       cfg.Database.Table,
			Symbol:      cfg.DataIngestion.StockName,
		})
		return err
	},
}

// ProviderFor 根据配置选择行情源
func ProviderFor(cfg *config.Config) market.Provider {
	if cfg.DataIngestion.Source == "csv" {
		return &market.CSVProvider{Path: cfg.DataIngestion.CSVPath}
	}
	return market.NewYahooProvider(cfg.DataIngestion.Proxy)
}

// Runner 顺序执行步骤；每个步骤一次 run，失败整步重试
type Runner struct {
	store *artifact.LocalStore
	env   Env

	mu  sync.RWMutex
	cfg *config.Config
}

// NewRunner 创建编排器。env.Store 会被每个步骤的 run 替换
func NewRunner(cfg *config.Config, store *artifact.LocalStore, env Env) *Runner {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	return &Runner{store: store, env: env, cfg: cfg}
}

func (r *Runner) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetConfig 替换配置，下一次运行生效
func (r *Runner) SetConfig(cfg *config.Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Run 执行配置中启用的步骤，遇到失败即停止
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.Config()
	steps := cfg.ActiveSteps(Steps)
	for _, name := range steps {
		if _, ok := stepFuncs[name]; !ok {
			return fmt.Errorf("unknown step %q", name)
		}
	}

	defer func() {
		if r.env.Metrics != nil {
			if pushErr := r.env.Metrics.Push(ctx); pushErr != nil {
				r.env.Logger.Warn("push metrics", zap.Error(pushErr))
			}
		}
	}()

	started := time.Now()
	for _, name := range steps {
		if err := r.RunStep(ctx, cfg, name); err != nil {
			return err
		}
	}
	r.env.Logger.Info("pipeline finished", zap.Strings("steps", steps), zap.Duration("elapsed", time.Since(started)))
	return nil
}

// RunStep 执行单个步骤，最多重试 cfg.Main.Retries 次
func (r *Runner) RunStep(ctx context.Context, cfg *config.Config, name string) error {
	fn, ok := stepFuncs[name]
	if !ok {
		return fmt.Errorf("unknown step %q", name)
	}

	var err error
	for attempt := 0; attempt <= cfg.Main.Retries; attempt++ {
		if attempt > 0 {
			r.env.Logger.Warn("retrying step", zap.String("step", name), zap.Int("attempt", attempt+1), zap.Error(err))
		}
		if err = r.attempt(ctx, cfg, name, fn); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("step %s: %w", name, err)
}

func (r *Runner) attempt(ctx context.Context, cfg *config.Config, name string, fn stepFunc) (err error) {
	run, err := r.store.StartRun(ctx, name)
	if err != nil {
		return err
	}
	logger := r.env.Logger.With(zap.String("step", name), zap.String("run_id", run.ID))

	env := r.env
	env.Store = run
	env.Logger = logger
	if env.Provider == nil {
		env.Provider = ProviderFor(cfg)
	}

	started := time.Now()
	logger.Info("step started")
	defer func() {
		elapsed := time.Since(started)
		if env.Metrics != nil {
			env.Metrics.ObserveStep(name, elapsed, err)
		}
		err = multierr.Append(err, run.Finish(context.Background(), err))
		if err != nil {
			logger.Error("step failed", zap.Duration("elapsed", elapsed), zap.Error(err))
			return
		}
		logger.Info("step finished", zap.Duration("elapsed", elapsed), zap.Any("summary", run.Summary()))
	}()

	return fn(ctx, &env, cfg)
}

// Schedule 按 cron 表达式周期运行流水线，并在配置文件变化时热加载
func (r *Runner) Schedule(ctx context.Context, configPath string) error {
	spec := r.Config().Main.Schedule
	if spec == "" {
		return fmt.Errorf("main.schedule is empty")
	}

	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(spec, func() {
		if err := r.Run(ctx); err != nil {
			r.env.Logger.Error("scheduled run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register schedule %q: %w", spec, err)
	}

	c.Start()
	r.env.Logger.Info("scheduler started", zap.String("schedule", spec))

	if configPath != "" {
		err := config.Watch(ctx, configPath, r.env.Logger, func(cfg *config.Config) {
			if cfg.Main.Schedule != spec {
				r.env.Logger.Warn("schedule change needs a restart",
					zap.String("current", spec), zap.String("configured", cfg.Main.Schedule))
			}
			r.SetConfig(cfg)
		})
		if err != nil {
			r.env.Logger.Warn("config watch disabled", zap.Error(err))
		}
	}
	<-ctx.Done()

	<-c.Stop().Done()
	r.env.Logger.Info("scheduler stopped")
	return nil
}
