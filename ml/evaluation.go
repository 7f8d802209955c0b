package ml

import "errors"

// Metrics on a validation partition. Label 1 is the positive class.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	Samples   int     `json:"samples"`
}

func (m Metrics) Map() map[string]float64 {
	return map[string]float64{
		"accuracy":  m.Accuracy,
		"precision": m.Precision,
		"recall":    m.Recall,
		"samples":   float64(m.Samples),
	}
}

func Evaluate(model Classifier, testX [][]float64, testY []int) (Metrics, error) {
	if len(testX) != len(testY) {
		return Metrics{}, errors.New("features and labels size mismatch")
	}
	predicted := make([]int, len(testX))
	for i, row := range testX {
		label, _, err := model.Predict(row)
		if err != nil {
			return Metrics{}, err
		}
		predicted[i] = label
	}
	return Metrics{
		Accuracy:  Accuracy(predicted, testY),
		Precision: Precision(predicted, testY),
		Recall:    Recall(predicted, testY),
		Samples:   len(testY),
	}, nil
}

// Accuracy is the fraction of exact matches. Empty input has no defined
// accuracy and yields 0; check Metrics.Samples before trusting it.
func Accuracy(predicted, actual []int) float64 {
	if len(actual) == 0 || len(predicted) != len(actual) {
		return 0
	}
	var correct int
	for i := range actual {
		if predicted[i] == actual[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(actual))
}

func Precision(predicted, actual []int) float64 {
	var truePositive, predictedPositive int
	for i := range predicted {
		if predicted[i] == 1 {
			predictedPositive++
			if i < len(actual) && actual[i] == 1 {
				truePositive++
			}
		}
	}
	if predictedPositive == 0 {
		return 0
	}
	return float64(truePositive) / float64(predictedPositive)
}

func Recall(predicted, actual []int) float64 {
	var truePositive, actualPositive int
	for i := range actual {
		if actual[i] == 1 {
			actualPositive++
			if i < len(predicted) && predicted[i] == 1 {
				truePositive++
			}
		}
	}
	if actualPositive == 0 {
		return 0
	}
	return float64(truePositive) / float64(actualPositive)
}
