package ml

import (
	"errors"
	"fmt"
	"math"

	"github.com/guregu/null/v6"

	"stockcast/dataset"
)

const LabelColumn = "label"

// GenerateLabels marks row i with 1 when close[i+lookAhead] > close[i], else 0.
// Rows without a successor, or with an undefined close, are left missing.
func GenerateLabels(closes []float64, lookAhead int) ([]null.Float, error) {
	if len(closes) == 0 {
		return nil, errors.New("closes is empty")
	}
	if lookAhead <= 0 {
		return nil, errors.New("lookAhead must be positive")
	}
	labels := make([]null.Float, len(closes))
	for i := range closes {
		if i+lookAhead >= len(closes) {
			continue
		}
		current := closes[i]
		future := closes[i+lookAhead]
		if math.IsNaN(current) || math.IsNaN(future) {
			continue
		}
		if future > current {
			labels[i] = null.FloatFrom(1)
		} else {
			labels[i] = null.FloatFrom(0)
		}
	}
	return labels, nil
}

// TransformData builds the supervised table: feature columns plus label,
// with every incomplete row dropped.
func TransformData(table *dataset.Table, pipeline *FeaturePipeline) (*dataset.Table, error) {
	if table.Len() == 0 {
		return nil, errors.New("transform: input table is empty")
	}
	closes, err := table.Floats("close")
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	labels, err := GenerateLabels(closes, 1)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	features, err := pipeline.Transform(table)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	if err := features.SetColumn(LabelColumn, labels); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	return features.DropIncomplete()
}

// Matrix extracts the feature matrix and, when present, the label vector.
// Missing values are NaN.
func Matrix(table *dataset.Table, columns []string) ([][]float64, []int, error) {
	cols := make([][]float64, len(columns))
	for i, name := range columns {
		values, err := table.Floats(name)
		if err != nil {
			return nil, nil, err
		}
		cols[i] = values
	}

	rows := make([][]float64, table.Len())
	for r := range rows {
		row := make([]float64, len(columns))
		for c := range columns {
			row[c] = cols[c][r]
		}
		rows[r] = row
	}

	if !table.HasColumn(LabelColumn) {
		return rows, nil, nil
	}
	values, _ := table.Column(LabelColumn)
	labels := make([]int, len(values))
	for i, v := range values {
		if !v.Valid {
			return nil, nil, fmt.Errorf("label missing at row %d", i)
		}
		labels[i] = int(v.Float64)
	}
	return rows, labels, nil
}
