package ml

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Classifier is a binary classifier over dense feature rows. NaN marks a
// missing feature.
type Classifier interface {
	Fit(features [][]float64, labels []int) error
	// Predict returns the label and the probability the model assigns to it.
	Predict(features []float64) (int, float64, error)
}

// Hyperparams is the training document, passed through verbatim. Keys a
// classifier does not know are kept for the record.
type Hyperparams map[string]interface{}

func LoadHyperparams(data []byte) (Hyperparams, error) {
	h := Hyperparams{}
	if len(data) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode hyperparams: %w", err)
	}
	return h, nil
}

func (h Hyperparams) Float(key string, def float64) (float64, error) {
	v, ok := h[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("hyperparam %s: expected number, got %T", key, v)
}

func (h Hyperparams) Int(key string, def int) (int, error) {
	f, err := h.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("hyperparam %s: expected integer, got %v", key, f)
	}
	return int(f), nil
}

func (h Hyperparams) String(key, def string) string {
	if v, ok := h[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Metadata flattens the document for artifact metadata.
func (h Hyperparams) Metadata() map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
