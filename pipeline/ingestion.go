package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"stockcast/dataset"
	"stockcast/market"
)

// IngestionConfig 数据摄取配置
type IngestionConfig struct {
	MaxRetries   int           `json:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff"`
}

// DataIngester 数据摄取器：从行情源拉取日线并转成原始价格表
type DataIngester struct {
	config   IngestionConfig
	provider market.Provider
	detector *market.AnomalyDetector
	logger   *zap.Logger

	stats     IngestionStats
	statsLock sync.RWMutex
}

// IngestionStats 摄取统计
type IngestionStats struct {
	TotalPoints   int64            `json:"total_points"`
	FailedFetches int64            `json:"failed_fetches"`
	Anomalies     int64            `json:"anomalies"`
	LastIngestion time.Time        `json:"last_ingestion"`
	Symbols       map[string]int64 `json:"symbols"`
}

// NewDataIngester 创建数据摄取器
func NewDataIngester(config IngestionConfig, provider market.Provider, logger *zap.Logger) *DataIngester {
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DataIngester{
		config:   config,
		provider: provider,
		detector: market.NewAnomalyDetector(),
		logger:   logger,
		stats: IngestionStats{
			Symbols: make(map[string]int64),
		},
	}
}

// Ingest 拉取 [start, end) 区间的日线，返回按日期升序、列为原始列名的价格表
func (di *DataIngester) Ingest(ctx context.Context, symbol string, start, end time.Time) (*dataset.Table, error) {
	klines, err := di.fetchWithRetry(ctx, symbol, start, end)
	if err != nil {
		di.statsLock.Lock()
		di.stats.FailedFetches++
		di.statsLock.Unlock()
		return nil, err
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: %s returned nothing for %s", market.ErrNoRows, di.provider.Name(), symbol)
	}

	// 异常只记录，不修改数据
	anomalies := di.detector.Scan(klines)
	for _, a := range anomalies {
		di.logger.Warn("suspicious bar",
			zap.String("type", a.Type), zap.Time("date", a.Timestamp), zap.String("description", a.Description))
	}

	// 更新统计
	di.statsLock.Lock()
	di.stats.Anomalies += int64(len(anomalies))
	di.stats.TotalPoints += int64(len(klines))
	di.stats.Symbols[symbol] += int64(len(klines))
	di.stats.LastIngestion = time.Now()
	di.statsLock.Unlock()

	di.logger.Info("ingested bars",
		zap.String("provider", di.provider.Name()),
		zap.String("symbol", symbol),
		zap.Int("rows", len(klines)),
		zap.Time("first", klines[0].Timestamp),
		zap.Time("last", klines[len(klines)-1].Timestamp))

	return market.KLinesToTable(klines), nil
}

// fetchWithRetry 网络错误按线性退避重试；无数据不重试
func (di *DataIngester) fetchWithRetry(ctx context.Context, symbol string, start, end time.Time) ([]market.KLine, error) {
	var lastErr error
	for retry := 0; retry < di.config.MaxRetries; retry++ {
		klines, err := di.provider.FetchDaily(ctx, symbol, start, end)
		if err == nil {
			return klines, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		di.logger.Warn("fetch failed, retrying",
			zap.String("symbol", symbol), zap.Int("attempt", retry+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(retry+1) * di.config.RetryBackoff):
		}
	}
	if !errors.Is(lastErr, market.ErrUpstreamFetch) {
		lastErr = fmt.Errorf("%w: %v", market.ErrUpstreamFetch, lastErr)
	}
	return nil, lastErr
}

// retryable 仅传输层错误值得重试，空结果和解析错误直接失败
func retryable(err error) bool {
	return !errors.Is(err, market.ErrNoRows) && !errors.Is(err, market.ErrMalformed)
}

// GetStats 获取统计信息
func (di *DataIngester) GetStats() IngestionStats {
	di.statsLock.RLock()
	defer di.statsLock.RUnlock()

	stats := di.stats
	stats.Symbols = make(map[string]int64, len(di.stats.Symbols))
	for k, v := range di.stats.Symbols {
		stats.Symbols[k] = v
	}
	return stats
}
