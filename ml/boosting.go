package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// GradientBoosting is a binary classifier built from an additive ensemble of
// regression trees fitted to the gradient and hessian of the logistic loss.
// Each split learns a default direction for missing values.
type GradientBoosting struct {
	NEstimators    int     `json:"n_estimators"`
	MaxDepth       int     `json:"max_depth"`
	LearningRate   float64 `json:"learning_rate"`
	Lambda         float64 `json:"reg_lambda"`
	Gamma          float64 `json:"gamma"`
	MinChildWeight float64 `json:"min_child_weight"`
	BaseScore      float64 `json:"base_score"`

	Trees []RegressionTree `json:"trees"`
}

// NewGradientBoosting returns a classifier with the usual library defaults.
func NewGradientBoosting() *GradientBoosting {
	return &GradientBoosting{
		NEstimators:    100,
		MaxDepth:       6,
		LearningRate:   0.3,
		Lambda:         1,
		MinChildWeight: 1,
		BaseScore:      0.5,
	}
}

func (gb *GradientBoosting) validate() error {
	switch {
	case gb.NEstimators <= 0:
		return fmt.Errorf("n_estimators must be positive, got %d", gb.NEstimators)
	case gb.MaxDepth <= 0:
		return fmt.Errorf("max_depth must be positive, got %d", gb.MaxDepth)
	case gb.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive, got %v", gb.LearningRate)
	case gb.Lambda < 0 || gb.Gamma < 0 || gb.MinChildWeight < 0:
		return errors.New("reg_lambda, gamma and min_child_weight must not be negative")
	case gb.BaseScore <= 0 || gb.BaseScore >= 1:
		return fmt.Errorf("base_score must be in (0, 1), got %v", gb.BaseScore)
	}
	return nil
}

func (gb *GradientBoosting) Fit(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if err := gb.validate(); err != nil {
		return err
	}
	for i, label := range labels {
		if label != 0 && label != 1 {
			return fmt.Errorf("label at row %d is %d, expected 0 or 1", i, label)
		}
	}

	n := len(features)
	base := logit(gb.BaseScore)
	margins := make([]float64, n)
	for i := range margins {
		margins[i] = base
	}
	grad := make([]float64, n)
	hess := make([]float64, n)
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}

	gb.Trees = make([]RegressionTree, 0, gb.NEstimators)
	for round := 0; round < gb.NEstimators; round++ {
		for i := range features {
			p := sigmoid(margins[i])
			grad[i] = p - float64(labels[i])
			hess[i] = math.Max(p*(1-p), 1e-16)
		}
		b := treeBuilder{
			features:       features,
			grad:           grad,
			hess:           hess,
			lambda:         gb.Lambda,
			gamma:          gb.Gamma,
			minChildWeight: gb.MinChildWeight,
			maxDepth:       gb.MaxDepth,
		}
		tree := RegressionTree{Nodes: b.build(rows, 0)}
		for i := range features {
			margins[i] += gb.LearningRate * tree.value(features[i])
		}
		gb.Trees = append(gb.Trees, tree)
	}
	return nil
}

// PredictProba returns the probability of label 1.
func (gb *GradientBoosting) PredictProba(features []float64) (float64, error) {
	if len(gb.Trees) == 0 {
		return 0, errors.New("model not trained")
	}
	margin := logit(gb.BaseScore)
	for i := range gb.Trees {
		v, err := gb.Trees[i].Value(features)
		if err != nil {
			return 0, err
		}
		margin += gb.LearningRate * v
	}
	return sigmoid(margin), nil
}

func (gb *GradientBoosting) Predict(features []float64) (int, float64, error) {
	p, err := gb.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	if p > 0.5 {
		return 1, p, nil
	}
	return 0, 1 - p, nil
}

// RegressionTree is one boosting round, flattened in preorder.
type RegressionTree struct {
	Nodes []RegressionNode `json:"nodes"`
}

type RegressionNode struct {
	Feature     int     `json:"feature"`
	Threshold   float64 `json:"threshold"`
	Left        int     `json:"left"`
	Right       int     `json:"right"`
	DefaultLeft bool    `json:"default_left"`
	Leaf        bool    `json:"leaf"`
	Value       float64 `json:"value"`
}

func (t *RegressionTree) Value(features []float64) (float64, error) {
	if len(t.Nodes) == 0 {
		return 0, errors.New("empty regression tree")
	}
	idx := 0
	for {
		node := t.Nodes[idx]
		if node.Leaf {
			return node.Value, nil
		}
		if node.Feature < 0 || node.Feature >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		idx = node.next(features[node.Feature])
		if idx <= 0 || idx >= len(t.Nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
}

func (t *RegressionTree) value(features []float64) float64 {
	v, _ := t.Value(features)
	return v
}

func (n RegressionNode) next(v float64) int {
	switch {
	case math.IsNaN(v):
		if n.DefaultLeft {
			return n.Left
		}
		return n.Right
	case v < n.Threshold:
		return n.Left
	default:
		return n.Right
	}
}

type treeBuilder struct {
	features       [][]float64
	grad, hess     []float64
	lambda, gamma  float64
	minChildWeight float64
	maxDepth       int
}

type split struct {
	feature     int
	threshold   float64
	defaultLeft bool
	gain        float64
}

func (b *treeBuilder) sums(rows []int) (g, h float64) {
	for _, r := range rows {
		g += b.grad[r]
		h += b.hess[r]
	}
	return g, h
}

func (b *treeBuilder) score(g, h float64) float64 {
	return g * g / (h + b.lambda)
}

func (b *treeBuilder) leaf(rows []int) []RegressionNode {
	g, h := b.sums(rows)
	return []RegressionNode{{Feature: -1, Left: -1, Right: -1, Leaf: true, Value: -g / (h + b.lambda)}}
}

func (b *treeBuilder) build(rows []int, depth int) []RegressionNode {
	if depth >= b.maxDepth || len(rows) < 2 {
		return b.leaf(rows)
	}
	best, ok := b.bestSplit(rows)
	if !ok {
		return b.leaf(rows)
	}

	var left, right []int
	probe := RegressionNode{Left: 1, Right: 2, Threshold: best.threshold, DefaultLeft: best.defaultLeft}
	for _, r := range rows {
		if probe.next(b.features[r][best.feature]) == 1 {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return b.leaf(rows)
	}

	leftNodes := b.build(left, depth+1)
	rightNodes := b.build(right, depth+1)
	root := RegressionNode{
		Feature:     best.feature,
		Threshold:   best.threshold,
		Left:        1,
		Right:       1 + len(leftNodes),
		DefaultLeft: best.defaultLeft,
	}
	nodes := make([]RegressionNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, leftNodes...)
	nodes = append(nodes, rightNodes...)
	return nodes
}

// bestSplit runs the exact greedy search, trying missing values on both sides.
func (b *treeBuilder) bestSplit(rows []int) (split, bool) {
	gTotal, hTotal := b.sums(rows)
	parent := b.score(gTotal, hTotal)
	best := split{gain: 0}
	found := false

	featureCount := len(b.features[rows[0]])
	present := make([]int, 0, len(rows))
	for f := 0; f < featureCount; f++ {
		present = present[:0]
		var gMissing, hMissing float64
		for _, r := range rows {
			if v := b.features[r][f]; math.IsNaN(v) {
				gMissing += b.grad[r]
				hMissing += b.hess[r]
			} else {
				present = append(present, r)
			}
		}
		if len(present) < 2 {
			continue
		}
		sort.Slice(present, func(i, j int) bool {
			return b.features[present[i]][f] < b.features[present[j]][f]
		})

		var gLeft, hLeft float64
		for i := 0; i < len(present)-1; i++ {
			r := present[i]
			gLeft += b.grad[r]
			hLeft += b.hess[r]
			v, next := b.features[r][f], b.features[present[i+1]][f]
			if v == next {
				continue
			}
			threshold := v + (next-v)/2
			for _, missingLeft := range []bool{true, false} {
				gl, hl := gLeft, hLeft
				if missingLeft {
					gl += gMissing
					hl += hMissing
				}
				gr, hr := gTotal-gl, hTotal-hl
				if hl < b.minChildWeight || hr < b.minChildWeight {
					continue
				}
				gain := 0.5*(b.score(gl, hl)+b.score(gr, hr)-parent) - b.gamma
				if gain > best.gain {
					best = split{feature: f, threshold: threshold, defaultLeft: missingLeft, gain: gain}
					found = true
				}
			}
		}
	}
	return best, found
}

func (gb *GradientBoosting) MarshalJSON() ([]byte, error) {
	if len(gb.Trees) == 0 {
		return nil, errors.New("model not trained")
	}
	type plain GradientBoosting
	return json.Marshal((*plain)(gb))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}
