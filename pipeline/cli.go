package pipeline

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stockcast/artifact"
	"stockcast/config"
	"stockcast/events"
	"stockcast/logging"
	"stockcast/metrics"
)

// 退出码
const (
	ExitOK    = 0
	ExitStep  = 1
	ExitUsage = 2
)

// ArtifactFlags 注册 <prefix>_artifact / _type / _description 三个参数
func ArtifactFlags(fs *flag.FlagSet, prefix string) *ArtifactSpec {
	spec := &ArtifactSpec{}
	fs.StringVar(&spec.Name, prefix+"_artifact", "", "name of the "+prefix+" artifact")
	fs.StringVar(&spec.Type, prefix+"_type", "", "type of the "+prefix+" artifact")
	fs.StringVar(&spec.Description, prefix+"_description", "", "description of the "+prefix+" artifact")
	return spec
}

// ArtifactFlagNames ArtifactFlags 注册的参数名
func ArtifactFlagNames(prefix string) []string {
	return []string{prefix + "_artifact", prefix + "_type", prefix + "_description"}
}

// Command 单步骤命令
type Command struct {
	Step     string
	Flags    *flag.FlagSet
	Required []string
	Run      func(ctx context.Context, env *Env, cfg *config.Config) error

	// Stderr 默认 os.Stderr
	Stderr io.Writer
}

// Execute 解析参数并在一次 run 中执行步骤，返回进程退出码
func (c *Command) Execute(args []string) int {
	stderr := c.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	c.Flags.SetOutput(stderr)
	configPath := c.Flags.String("config", "config.yaml", "path to the pipeline config")

	if err := c.Flags.Parse(args); err != nil {
		return ExitUsage
	}
	if err := config.RequireFlags(c.Flags, c.Required...); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", c.Step, err)
		c.Flags.Usage()
		return ExitUsage
	}

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ValidateStep(c.Step)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: config: %v\n", c.Step, err)
		return ExitStep
	}

	logger, err := logging.New(c.Step, logging.Options{
		Level:      cfg.Log.Level,
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s: logger: %v\n", c.Step, err)
		return ExitStep
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.run(ctx, cfg, logger); err != nil {
		logger.Error("step failed", zap.Error(err))
		return ExitStep
	}
	return ExitOK
}

func (c *Command) run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	store, err := artifact.NewLocalStore(cfg.Main.ArtifactRoot)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	publisher, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger)
	if err != nil {
		logger.Warn("events disabled", zap.Error(err))
		publisher = events.Noop{}
	}
	defer publisher.Close()

	reporter := metrics.NewReporter(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job)
	runner := NewRunner(cfg, store, Env{
		Logger:  logger,
		Metrics: reporter,
		Events:  publisher,
		WorkDir: cfg.Main.WorkDir,
	})

	err = runner.attempt(ctx, cfg, c.Step, c.Run)
	if pushErr := reporter.Push(ctx); pushErr != nil {
		logger.Warn("push metrics", zap.Error(pushErr))
	}
	return err
}
