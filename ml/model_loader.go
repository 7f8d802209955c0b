package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"stockcast/dataset"
)

const (
	ModelGradientBoosting = "gradient_boosting"
	ModelDecisionTree     = "decision_tree"
)

// NewClassifier builds an unfitted classifier from the hyperparameter
// document. model_type selects the family; gradient boosting is the default.
func NewClassifier(h Hyperparams) (Classifier, string, error) {
	modelType := h.String("model_type", ModelGradientBoosting)
	switch modelType {
	case ModelGradientBoosting, "xgboost":
		gb := NewGradientBoosting()
		var err error
		if gb.NEstimators, err = h.Int("n_estimators", gb.NEstimators); err != nil {
			return nil, "", err
		}
		if gb.MaxDepth, err = h.Int("max_depth", gb.MaxDepth); err != nil {
			return nil, "", err
		}
		eta, err := h.Float("eta", gb.LearningRate)
		if err != nil {
			return nil, "", err
		}
		if gb.LearningRate, err = h.Float("learning_rate", eta); err != nil {
			return nil, "", err
		}
		if gb.Lambda, err = h.Float("reg_lambda", gb.Lambda); err != nil {
			return nil, "", err
		}
		if gb.Gamma, err = h.Float("gamma", gb.Gamma); err != nil {
			return nil, "", err
		}
		if gb.MinChildWeight, err = h.Float("min_child_weight", gb.MinChildWeight); err != nil {
			return nil, "", err
		}
		if gb.BaseScore, err = h.Float("base_score", gb.BaseScore); err != nil {
			return nil, "", err
		}
		if err := gb.validate(); err != nil {
			return nil, "", err
		}
		return gb, ModelGradientBoosting, nil
	case ModelDecisionTree:
		maxDepth, err := h.Int("max_depth", 5)
		if err != nil {
			return nil, "", err
		}
		minLeaf, err := h.Int("min_samples_leaf", 1)
		if err != nil {
			return nil, "", err
		}
		return &DecisionTree{MaxDepth: maxDepth, MinSamplesLeaf: minLeaf}, ModelDecisionTree, nil
	default:
		return nil, "", fmt.Errorf("unsupported model type %q", modelType)
	}
}

func decodeClassifier(modelType string, payload []byte) (Classifier, error) {
	switch modelType {
	case ModelGradientBoosting:
		model := &GradientBoosting{}
		if err := json.Unmarshal(payload, model); err != nil {
			return nil, err
		}
		if len(model.Trees) == 0 {
			return nil, errors.New("gradient boosting model has no trees")
		}
		return model, nil
	case ModelDecisionTree:
		model := &DecisionTree{}
		if err := json.Unmarshal(payload, model); err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
}

// Bundle is the persisted pipeline: feature extractors and, once trained,
// the classifier fitted on their output.
type Bundle struct {
	Features       []FeatureSpec      `json:"features"`
	FeatureColumns []string           `json:"feature_columns"`
	ModelType      string             `json:"model_type,omitempty"`
	Hyperparams    Hyperparams        `json:"hyperparams,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	Model          json.RawMessage    `json:"model,omitempty"`

	pipeline   *FeaturePipeline
	classifier Classifier
}

// NewBundle wraps a feature pipeline; the classifier is attached by SetModel.
func NewBundle(pipeline *FeaturePipeline) *Bundle {
	return &Bundle{
		Features:       pipeline.Specs(),
		FeatureColumns: pipeline.Columns(),
		pipeline:       pipeline,
	}
}

func (b *Bundle) Pipeline() *FeaturePipeline {
	return b.pipeline
}

func (b *Bundle) HasModel() bool {
	return b.classifier != nil
}

// SetModel attaches a fitted classifier.
func (b *Bundle) SetModel(modelType string, model Classifier, hyperparams Hyperparams) error {
	payload, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("encode %s model: %w", modelType, err)
	}
	b.ModelType = modelType
	b.Model = payload
	b.Hyperparams = hyperparams
	b.classifier = model
	return nil
}

// Predict applies the feature pipeline and the classifier to every row.
// Rows inside the indicator warm-up are scored with missing features.
func (b *Bundle) Predict(table *dataset.Table) ([]int, []float64, error) {
	if b.classifier == nil {
		return nil, nil, errors.New("bundle has no trained model")
	}
	features, err := b.pipeline.Transform(table)
	if err != nil {
		return nil, nil, err
	}
	rows, _, err := Matrix(features, b.FeatureColumns)
	if err != nil {
		return nil, nil, err
	}
	labels := make([]int, len(rows))
	probs := make([]float64, len(rows))
	for i, row := range rows {
		labels[i], probs[i], err = b.classifier.Predict(row)
		if err != nil {
			return nil, nil, fmt.Errorf("predict row %s: %w", table.Index[i], err)
		}
	}
	return labels, probs, nil
}

func (b *Bundle) Save(path string) error {
	payload, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func LoadBundle(path string) (*Bundle, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b := &Bundle{}
	if err := json.Unmarshal(payload, b); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", path, err)
	}
	if b.pipeline, err = NewFeaturePipeline(b.Features); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	if len(b.FeatureColumns) == 0 {
		b.FeatureColumns = b.pipeline.Columns()
	}
	if len(b.Model) > 0 {
		if b.classifier, err = decodeClassifier(b.ModelType, b.Model); err != nil {
			return nil, fmt.Errorf("bundle %s: %w", path, err)
		}
	}
	return b, nil
}
