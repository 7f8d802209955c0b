package ml

import "testing"

func TestMetrics(t *testing.T) {
	tests := []struct {
		name      string
		predicted []int
		actual    []int
		accuracy  float64
		precision float64
		recall    float64
	}{
		{"perfect", []int{1, 0, 1}, []int{1, 0, 1}, 1, 1, 1},
		{"mixed", []int{1, 1, 0, 0}, []int{1, 0, 1, 0}, 0.5, 0.5, 0.5},
		{"no positives predicted", []int{0, 0}, []int{1, 0}, 0.5, 0, 0},
		{"empty", nil, nil, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Accuracy(tt.predicted, tt.actual); got != tt.accuracy {
				t.Errorf("Accuracy = %v, want %v", got, tt.accuracy)
			}
			if got := Precision(tt.predicted, tt.actual); got != tt.precision {
				t.Errorf("Precision = %v, want %v", got, tt.precision)
			}
			if got := Recall(tt.predicted, tt.actual); got != tt.recall {
				t.Errorf("Recall = %v, want %v", got, tt.recall)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	model := NewDecisionTree(2)
	features := [][]float64{{0}, {1}, {2}, {3}}
	labels := []int{0, 0, 1, 1}
	if err := model.Fit(features, labels); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	metrics, err := Evaluate(model, features, labels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metrics.Accuracy != 1 || metrics.Samples != 4 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
	if _, err := Evaluate(model, features, labels[:1]); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
