package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"stockcast/artifact"
	"stockcast/config"
	"stockcast/events"
	"stockcast/logging"
	"stockcast/metrics"
	"stockcast/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the pipeline config")
	steps := flag.String("steps", "", "comma separated steps to run, overrides main.steps")
	schedule := flag.Bool("schedule", false, "keep running on main.schedule and reload config on change")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *steps != "" {
		cfg.Main.Steps = *steps
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := logging.New("pipeline", logging.Options{
		Level:      cfg.Log.Level,
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// 2. 工件库与事件
	store, err := artifact.NewLocalStore(cfg.Main.ArtifactRoot)
	if err != nil {
		logger.Fatal("open artifact store", zap.Error(err))
	}
	defer store.Close()

	publisher, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger)
	if err != nil {
		logger.Warn("events disabled", zap.Error(err))
		publisher = events.Noop{}
	}
	defer publisher.Close()

	runner := pipeline.NewRunner(cfg, store, pipeline.Env{
		Logger:  logger,
		Metrics: metrics.NewReporter(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job),
		Events:  publisher,
		WorkDir: cfg.Main.WorkDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 单次运行或按计划运行
	if *schedule {
		if err := runner.Schedule(ctx, *configPath); err != nil {
			logger.Error("scheduler failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}
	if err := runner.Run(ctx); err != nil {
		logger.Error("pipeline failed", zap.Error(err))
		os.Exit(1)
	}
}
