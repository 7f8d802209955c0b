// dashboard 展示最新预测、历史价格与反馈入口
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stockcast/artifact"
	"stockcast/config"
	"stockcast/db"
	"stockcast/events"
	qhttp "stockcast/http"
	"stockcast/logging"
	"stockcast/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the pipeline config")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New("dashboard", logging.Options{
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 连接预测表
	sink, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer sink.Close()
	if err := sink.EnsurePredictionTable(ctx, cfg.Database.Table); err != nil {
		logger.Fatal("prepare prediction table", zap.Error(err))
	}

	store, err := artifact.NewLocalStore(cfg.Main.ArtifactRoot)
	if err != nil {
		logger.Fatal("open artifact store", zap.Error(err))
	}
	defer store.Close()
	if err := os.MkdirAll(cfg.Main.WorkDir, 0o755); err != nil {
		logger.Fatal("create work dir", zap.Error(err))
	}

	// 3. 实时推送：有 NATS 时订阅预测事件，否则轮询数据库
	hub := qhttp.NewHub(logger)
	go hub.Run(ctx)

	dashboard := &qhttp.Dashboard{
		Predictions: sink,
		Table:       cfg.Database.Table,
		Symbol:      cfg.DataIngestion.StockName,
		Artifacts:   store,
		WorkDir:     cfg.Main.WorkDir,
		Hub:         hub,
		Metrics:     metrics.NewReporter("", cfg.Metrics.Job),
		Logger:      logger,
	}

	if cfg.Events.NATSURL != "" {
		sub, err := events.Subscribe(cfg.Events.NATSURL, cfg.Events.Subject, logger, dashboard.Broadcast)
		if err != nil {
			logger.Fatal("subscribe predictions", zap.Error(err))
		}
		defer sub.Close()
	} else {
		go dashboard.PollLatest(ctx, time.Duration(cfg.Dashboard.PollSeconds)*time.Second)
	}

	// 4. 启动HTTP服务器
	serverConfig := qhttp.DefaultServerConfig()
	serverConfig.Port = cfg.Dashboard.Port
	server := qhttp.NewServer(serverConfig, dashboard, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 5. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
}
