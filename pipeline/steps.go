package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockcast/artifact"
	"stockcast/dataset"
	"stockcast/db"
	"stockcast/events"
	"stockcast/market"
	"stockcast/metrics"
	"stockcast/ml"
)

// PredictionColumn 预测结果列
const PredictionColumn = "prediction"

// Env 步骤依赖：所有 I/O 通过这里注入，步骤本身不持有全局状态
type Env struct {
	Store    artifact.Store
	Provider market.Provider
	Logger   *zap.Logger
	Metrics  *metrics.Reporter
	Events   events.Publisher
	Connect  func(ctx context.Context, url string) (*db.Sink, error)
	WorkDir  string
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// ArtifactSpec 输出工件的名称、类型与描述
type ArtifactSpec struct {
	Name        string
	Type        string
	Description string
}

// validate 在任何写入之前检查输出工件的名称与类型
func (a ArtifactSpec) validate() error {
	if _, _, err := artifact.ParseRef(a.Name); err != nil || strings.Contains(a.Name, ":") {
		return fmt.Errorf("%w: invalid output artifact name %q", artifact.ErrArtifactIO, a.Name)
	}
	if a.Type == "" {
		return fmt.Errorf("%w: output artifact %s has no type", artifact.ErrArtifactIO, a.Name)
	}
	return nil
}

// summarizer 由 artifact.Run 实现，记录步骤级指标
type summarizer interface {
	SetSummary(key string, value interface{})
}

// scratch 为一次读写创建临时目录
func (e *Env) scratch(prefix string) (string, func(), error) {
	root := e.WorkDir
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp(root, prefix+"-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// readTable 下载 CSV 工件并解析
func (e *Env) readTable(ctx context.Context, ref string) (*dataset.Table, *artifact.Artifact, error) {
	dir, cleanup, err := e.scratch("read")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", artifact.ErrArtifactIO, err)
	}
	defer cleanup()

	path, a, err := e.Store.Read(ctx, ref, dir)
	if err != nil {
		return nil, nil, err
	}
	table, err := dataset.ReadCSVFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse %s: %v", artifact.ErrArtifactIO, a.Ref(), err)
	}
	return table, a, nil
}

// writeTable 将表写为 CSV 并上传为新版本
func (e *Env) writeTable(ctx context.Context, step string, table *dataset.Table, out ArtifactSpec, metadata map[string]interface{}) (*artifact.Artifact, error) {
	if err := out.validate(); err != nil {
		return nil, err
	}
	dir, cleanup, err := e.scratch("write")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", artifact.ErrArtifactIO, err)
	}
	defer cleanup()

	path := filepath.Join(dir, out.Name+".csv")
	if err := table.WriteCSVFile(path); err != nil {
		return nil, fmt.Errorf("%w: %v", artifact.ErrArtifactIO, err)
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["rows"] = table.Len()
	a, err := e.Store.Write(ctx, path, out.Name, out.Type, out.Description, metadata)
	if err != nil {
		return nil, err
	}
	if e.Metrics != nil {
		e.Metrics.ObserveRows(step, out.Name, table.Len())
	}
	e.logger().Info("artifact written",
		zap.String("step", step), zap.String("artifact", a.Ref()), zap.Int("rows", table.Len()))
	return a, nil
}

// readBundle 下载特征/模型工件
func (e *Env) readBundle(ctx context.Context, ref string) (*ml.Bundle, *artifact.Artifact, error) {
	dir, cleanup, err := e.scratch("bundle")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", artifact.ErrArtifactIO, err)
	}
	defer cleanup()

	path, a, err := e.Store.Read(ctx, ref, dir)
	if err != nil {
		return nil, nil, err
	}
	bundle, err := ml.LoadBundle(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", artifact.ErrArtifactIO, err)
	}
	return bundle, a, nil
}

func (e *Env) writeBundle(ctx context.Context, bundle *ml.Bundle, out ArtifactSpec, metadata map[string]interface{}) (*artifact.Artifact, error) {
	if err := out.validate(); err != nil {
		return nil, err
	}
	dir, cleanup, err := e.scratch("bundle")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", artifact.ErrArtifactIO, err)
	}
	defer cleanup()

	path := filepath.Join(dir, out.Name+".json")
	if err := bundle.Save(path); err != nil {
		return nil, fmt.Errorf("%w: %v", artifact.ErrArtifactIO, err)
	}
	return e.Store.Write(ctx, path, out.Name, out.Type, out.Description, metadata)
}

// IngestParams 数据摄取参数
type IngestParams struct {
	StockName string
	Start     time.Time
	End       time.Time
	Output    ArtifactSpec
}

// Ingest 拉取原始日线并写入工件
func Ingest(ctx context.Context, env *Env, p IngestParams) (*artifact.Artifact, error) {
	ingester := NewDataIngester(IngestionConfig{}, env.Provider, env.logger())
	table, err := ingester.Ingest(ctx, p.StockName, p.Start, p.End)
	if err != nil {
		return nil, err
	}
	return env.writeTable(ctx, "data_ingestion", table, p.Output, map[string]interface{}{
		"stock_name": p.StockName,
		"start_date": p.Start.Format(market.DateLayout),
		"end_date":   p.End.Format(market.DateLayout),
		"source":     env.Provider.Name(),
		"anomalies":  ingester.GetStats().Anomalies,
	})
}

// CleanParams 数据清洗参数
type CleanParams struct {
	Input  string
	Output ArtifactSpec
}

// Clean 规范列名并插值缺失值
func Clean(ctx context.Context, env *Env, p CleanParams) (*artifact.Artifact, error) {
	raw, src, err := env.readTable(ctx, p.Input)
	if err != nil {
		return nil, err
	}
	cleaner := NewDataCleaner()
	cleaned, err := cleaner.Clean(raw)
	if err != nil {
		return nil, err
	}
	stats := cleaner.GetStats()
	env.logger().Info("data cleaned",
		zap.String("input", src.Ref()), zap.Int64("corrected", stats.Corrected), zap.Any("filled", stats.Filled))

	return env.writeTable(ctx, "data_cleaning", cleaned, p.Output, map[string]interface{}{
		"source":    src.Ref(),
		"corrected": stats.Corrected,
	})
}

// SegregateParams 数据切分参数
type SegregateParams struct {
	Input       string
	TrainValPct float64
	TrainVal    ArtifactSpec
	Test        ArtifactSpec
}

// Segregate 按时间顺序切出训练验证集与测试集
func Segregate(ctx context.Context, env *Env, p SegregateParams) (trainVal, test *artifact.Artifact, err error) {
	// 两个输出都合法才开始写，避免只留下一半
	for _, out := range []ArtifactSpec{p.TrainVal, p.Test} {
		if err := out.validate(); err != nil {
			return nil, nil, err
		}
	}
	if p.TrainVal.Name == p.Test.Name {
		return nil, nil, fmt.Errorf("%w: train/val and test outputs share the name %s", artifact.ErrArtifactIO, p.Test.Name)
	}
	table, src, err := env.readTable(ctx, p.Input)
	if err != nil {
		return nil, nil, err
	}
	head, tail, err := table.Split(p.TrainValPct)
	if err != nil {
		return nil, nil, err
	}
	meta := func() map[string]interface{} {
		return map[string]interface{}{"source": src.Ref(), "train_val_pct": p.TrainValPct}
	}
	if trainVal, err = env.writeTable(ctx, "data_segregation", head, p.TrainVal, meta()); err != nil {
		return nil, nil, err
	}
	if test, err = env.writeTable(ctx, "data_segregation", tail, p.Test, meta()); err != nil {
		return nil, nil, err
	}
	return trainVal, test, nil
}

// FeatureEngineeringParams 特征工程参数
type FeatureEngineeringParams struct {
	Features []ml.FeatureSpec
	Output   ArtifactSpec
}

// FeatureEngineering 写出未训练的特征管道
func FeatureEngineering(ctx context.Context, env *Env, p FeatureEngineeringParams) (*artifact.Artifact, error) {
	pipeline, err := ml.NewFeaturePipeline(p.Features)
	if err != nil {
		return nil, err
	}
	a, err := env.writeBundle(ctx, ml.NewBundle(pipeline), p.Output, map[string]interface{}{
		"features": pipeline.Columns(),
		"warm_up":  pipeline.WarmUp(),
	})
	if err != nil {
		return nil, err
	}
	env.logger().Info("feature pipeline written",
		zap.String("artifact", a.Ref()), zap.Strings("columns", pipeline.Columns()))
	return a, nil
}

// TrainParams 训练参数
type TrainParams struct {
	Input           string
	FeaturePipeline string
	TrainPct        float64
	HyperparamsPath string
	Output          ArtifactSpec
}

// Train 在训练集上拟合分类器，报告验证集指标，写出完整模型
func Train(ctx context.Context, env *Env, p TrainParams) (*artifact.Artifact, ml.Metrics, error) {
	logger := env.logger()

	var hyperparams ml.Hyperparams
	if p.HyperparamsPath != "" {
		data, err := os.ReadFile(p.HyperparamsPath)
		if err != nil {
			return nil, ml.Metrics{}, fmt.Errorf("read hyperparams: %w", err)
		}
		if hyperparams, err = ml.LoadHyperparams(data); err != nil {
			return nil, ml.Metrics{}, err
		}
	} else {
		hyperparams = ml.Hyperparams{}
	}

	table, src, err := env.readTable(ctx, p.Input)
	if err != nil {
		return nil, ml.Metrics{}, err
	}
	bundle, pipeSrc, err := env.readBundle(ctx, p.FeaturePipeline)
	if err != nil {
		return nil, ml.Metrics{}, err
	}

	data, err := ml.TransformData(table, bundle.Pipeline())
	if err != nil {
		return nil, ml.Metrics{}, err
	}
	train, val, err := data.Split(p.TrainPct)
	if err != nil {
		return nil, ml.Metrics{}, err
	}
	trainX, trainY, err := ml.Matrix(train, bundle.FeatureColumns)
	if err != nil {
		return nil, ml.Metrics{}, err
	}
	valX, valY, err := ml.Matrix(val, bundle.FeatureColumns)
	if err != nil {
		return nil, ml.Metrics{}, err
	}

	model, modelType, err := ml.NewClassifier(hyperparams)
	if err != nil {
		return nil, ml.Metrics{}, err
	}
	logger.Info("training",
		zap.String("model_type", modelType), zap.Int("train_rows", len(trainX)), zap.Int("val_rows", len(valX)))
	if err := model.Fit(trainX, trainY); err != nil {
		return nil, ml.Metrics{}, fmt.Errorf("fit %s: %w", modelType, err)
	}

	scores, err := ml.Evaluate(model, valX, valY)
	if err != nil {
		return nil, ml.Metrics{}, err
	}
	if scores.Samples == 0 {
		logger.Warn("validation set is empty; metrics are reported as 0", zap.Float64("train_pct", p.TrainPct))
	} else {
		logger.Info("validation", zap.Float64("accuracy", scores.Accuracy),
			zap.Float64("precision", scores.Precision), zap.Float64("recall", scores.Recall))
	}

	if err := bundle.SetModel(modelType, model, hyperparams); err != nil {
		return nil, ml.Metrics{}, err
	}
	bundle.Metrics = scores.Map()

	metadata := hyperparams.Metadata()
	metadata["model_type"] = modelType
	metadata["train_data"] = src.Ref()
	metadata["feature_pipeline"] = pipeSrc.Ref()
	for k, v := range scores.Map() {
		metadata[k] = v
	}
	a, err := env.writeBundle(ctx, bundle, p.Output, metadata)
	if err != nil {
		return nil, ml.Metrics{}, err
	}

	if s, ok := env.Store.(summarizer); ok {
		s.SetSummary("accuracy", scores.Accuracy)
		s.SetSummary("val_rows", scores.Samples)
		s.SetSummary("model", a.Ref())
	}
	if env.Metrics != nil {
		env.Metrics.ObserveModel(scores.Map())
	}
	return a, scores, nil
}

// PredictParams 预测参数
type PredictParams struct {
	Input  string
	Model  string
	Output ArtifactSpec
}

// Predict 对输入表逐行打分并追加 prediction 列
func Predict(ctx context.Context, env *Env, p PredictParams) (*artifact.Artifact, error) {
	table, src, err := env.readTable(ctx, p.Input)
	if err != nil {
		return nil, err
	}
	if table.Len() == 0 {
		return nil, errors.New("predict: input table is empty")
	}
	bundle, modelSrc, err := env.readBundle(ctx, p.Model)
	if err != nil {
		return nil, err
	}
	labels, _, err := bundle.Predict(table)
	if err != nil {
		return nil, err
	}

	out := table.Clone()
	values := make([]float64, len(labels))
	for i, l := range labels {
		values[i] = float64(l)
	}
	if err := out.SetFloats(PredictionColumn, values); err != nil {
		return nil, err
	}
	return env.writeTable(ctx, "prediction", out, p.Output, map[string]interface{}{
		"source": src.Ref(),
		"model":  modelSrc.Ref(),
	})
}

// SavePredictionParams 预测入库参数
type SavePredictionParams struct {
	Input       string
	Model       string
	DatabaseURL string
	Table       string
	Symbol      string
}

// SavePrediction 将最新一天的预测写入数据库，model_used 为 name:version
func SavePrediction(ctx context.Context, env *Env, p SavePredictionParams) (*db.PredictionRow, error) {
	table, _, err := env.readTable(ctx, p.Input)
	if err != nil {
		return nil, err
	}
	if table.Len() == 0 {
		return nil, errors.New("save prediction: input table is empty")
	}
	model, err := env.Store.Resolve(ctx, p.Model)
	if err != nil {
		return nil, err
	}
	predictions, ok := table.Column(PredictionColumn)
	if !ok {
		return nil, fmt.Errorf("save prediction: %w: %s", dataset.ErrColumnNotFound, PredictionColumn)
	}
	last := table.Len() - 1
	if !predictions[last].Valid {
		return nil, fmt.Errorf("save prediction: no prediction for %s", table.Index[last])
	}

	row := db.PredictionRow{
		Date:       table.Index[last],
		Prediction: int(predictions[last].Float64),
		ModelUsed:  model.Ref(),
	}

	connect := env.Connect
	if connect == nil {
		connect = db.Connect
	}
	sink, err := connect(ctx, p.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer sink.Close()

	if err := sink.EnsurePredictionTable(ctx, p.Table); err != nil {
		return nil, err
	}
	if err := sink.InsertPredictions(ctx, p.Table, []db.PredictionRow{row}); err != nil {
		return nil, err
	}
	env.logger().Info("prediction saved",
		zap.String("table", p.Table), zap.String("date", row.Date),
		zap.Int("prediction", row.Prediction), zap.String("model_used", row.ModelUsed))

	if env.Metrics != nil {
		env.Metrics.ObservePrediction(row.Prediction)
	}
	if env.Events != nil {
		ev := events.NewPredictionEvent(p.Symbol, row.Date, row.Prediction, row.ModelUsed)
		if err := env.Events.PublishPrediction(ctx, ev); err != nil {
			// 行已提交，通知失败只记录
			env.logger().Warn("publish prediction event", zap.Error(err))
		}
	}
	return &row, nil
}
