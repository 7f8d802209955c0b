package ml

import (
	"encoding/json"
	"math"
	"testing"
)

func TestDecisionTreeTrainPredict(t *testing.T) {
	features := [][]float64{
		{0.1, 0.2},
		{0.2, 0.1},
		{0.9, 0.8},
		{0.8, 0.9},
	}
	labels := []int{0, 0, 1, 1}

	model := NewDecisionTree(2)
	if err := model.Fit(features, labels); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	label, confidence, err := model.Predict([]float64{0.15, 0.15})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if label != 0 {
		t.Fatalf("expected label 0, got %d", label)
	}
	if confidence <= 0 {
		t.Fatalf("expected confidence > 0")
	}
}

func TestDecisionTreeMissingFeature(t *testing.T) {
	features := [][]float64{
		{1}, {2}, {3}, {math.NaN()},
		{10}, {11},
	}
	labels := []int{0, 0, 0, 0, 1, 1}

	model := NewDecisionTree(3)
	if err := model.Fit(features, labels); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	label, _, err := model.Predict([]float64{math.NaN()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if label != 0 {
		t.Fatalf("expected missing value to follow the larger branch, got %d", label)
	}
}

func TestDecisionTreeJSONRoundTrip(t *testing.T) {
	model := NewDecisionTree(2)
	if err := model.Fit([][]float64{{0}, {1}, {2}, {3}}, []int{0, 0, 1, 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload, err := json.Marshal(model)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	restored := &DecisionTree{}
	if err := json.Unmarshal(payload, restored); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, x := range []float64{0, 1, 2, 3} {
		a, _, _ := model.Predict([]float64{x})
		b, _, _ := restored.Predict([]float64{x})
		if a != b {
			t.Fatalf("prediction changed after round trip for %v", x)
		}
	}
}

func TestDecisionTreeUntrained(t *testing.T) {
	if _, _, err := (&DecisionTree{}).Predict([]float64{1}); err == nil {
		t.Fatal("expected error for untrained model")
	}
	if _, err := json.Marshal(&DecisionTree{}); err == nil {
		t.Fatal("expected error when encoding untrained model")
	}
}
