package ml

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
)

// DecisionTree is a gini classification tree stored as a flattened preorder
// node list. Rows with a missing split feature follow the node's default
// branch, which is the side that received more training rows.
type DecisionTree struct {
	MaxDepth       int
	MinSamplesLeaf int

	nodes []TreeNode
}

type TreeNode struct {
	FeatureIdx  int     `json:"feature_idx"`
	Threshold   float64 `json:"threshold"`
	LeftChild   int     `json:"left_child"`
	RightChild  int     `json:"right_child"`
	DefaultLeft bool    `json:"default_left,omitempty"`
	ClassLabel  int     `json:"class_label"`
	Confidence  float64 `json:"confidence"`
	IsLeaf      bool    `json:"is_leaf"`
}

func NewDecisionTree(maxDepth int) *DecisionTree {
	return &DecisionTree{MaxDepth: maxDepth, MinSamplesLeaf: 1}
}

func (dt *DecisionTree) Fit(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	maxDepth := dt.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	minLeaf := dt.MinSamplesLeaf
	if minLeaf <= 0 {
		minLeaf = 1
	}

	dt.nodes = dt.buildNode(features, labels, 0, maxDepth, minLeaf)
	return nil
}

func (dt *DecisionTree) Predict(features []float64) (int, float64, error) {
	if len(dt.nodes) == 0 {
		return 0, 0, errors.New("model not trained")
	}
	idx := 0
	for {
		node := dt.nodes[idx]
		if node.IsLeaf {
			return node.ClassLabel, node.Confidence, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, 0, errors.New("feature index out of range")
		}
		value := features[node.FeatureIdx]
		switch {
		case math.IsNaN(value):
			if node.DefaultLeft {
				idx = node.LeftChild
			} else {
				idx = node.RightChild
			}
		case value <= node.Threshold:
			idx = node.LeftChild
		default:
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.nodes) {
			return 0, 0, errors.New("invalid tree state")
		}
	}
}

type decisionTreeJSON struct {
	MaxDepth       int        `json:"max_depth"`
	MinSamplesLeaf int        `json:"min_samples_leaf"`
	Nodes          []TreeNode `json:"nodes"`
}

func (dt *DecisionTree) MarshalJSON() ([]byte, error) {
	if len(dt.nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	return json.Marshal(decisionTreeJSON{MaxDepth: dt.MaxDepth, MinSamplesLeaf: dt.MinSamplesLeaf, Nodes: dt.nodes})
}

func (dt *DecisionTree) UnmarshalJSON(data []byte) error {
	var payload decisionTreeJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if len(payload.Nodes) == 0 {
		return errors.New("decision tree has no nodes")
	}
	dt.MaxDepth = payload.MaxDepth
	dt.MinSamplesLeaf = payload.MinSamplesLeaf
	dt.nodes = payload.Nodes
	return nil
}

func leafNode(labels []int) []TreeNode {
	label, share := majorityLabel(labels)
	return []TreeNode{{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		ClassLabel: label,
		Confidence: share,
		IsLeaf:     true,
	}}
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth, maxDepth, minLeaf int) []TreeNode {
	if depth >= maxDepth || isPure(labels) || len(labels) < 2*minLeaf {
		return leafNode(labels)
	}

	bestFeature, threshold, ok := findBestSplit(features, labels, minLeaf)
	if !ok {
		return leafNode(labels)
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels, missingLeft := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return leafNode(labels)
	}

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1, maxDepth, minLeaf)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1, maxDepth, minLeaf)

	label, share := majorityLabel(labels)
	root := TreeNode{
		FeatureIdx:  bestFeature,
		Threshold:   threshold,
		LeftChild:   1,
		RightChild:  1 + len(leftNodes),
		DefaultLeft: missingLeft,
		ClassLabel:  label,
		Confidence:  share,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, leftNodes...)
	nodes = append(nodes, rightNodes...)
	return nodes
}

func findBestSplit(features [][]float64, labels []int, minLeaf int) (int, float64, bool) {
	featureCount := len(features[0])
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for featureIdx := 0; featureIdx < featureCount; featureIdx++ {
		values := make([]float64, 0, len(features))
		for i := range features {
			if v := features[i][featureIdx]; !math.IsNaN(v) {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		threshold := median(values)
		leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
		if len(leftLabels) < minLeaf || len(rightLabels) < minLeaf {
			continue
		}
		impurity := weightedGini(leftLabels, rightLabels)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

// splitData partitions known values by threshold, then sends rows with a
// missing value to the larger side.
func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int, bool) {
	var leftFeatures, rightFeatures, missingFeatures [][]float64
	var leftLabels, rightLabels, missingLabels []int
	for i, feature := range features {
		switch v := feature[featureIdx]; {
		case math.IsNaN(v):
			missingFeatures = append(missingFeatures, feature)
			missingLabels = append(missingLabels, labels[i])
		case v <= threshold:
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		default:
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	missingLeft := len(leftLabels) >= len(rightLabels)
	if missingLeft {
		leftFeatures = append(leftFeatures, missingFeatures...)
		leftLabels = append(leftLabels, missingLabels...)
	} else {
		rightFeatures = append(rightFeatures, missingFeatures...)
		rightLabels = append(rightLabels, missingLabels...)
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels, missingLeft
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	_, left, _, right, _ := splitData(features, labels, featureIdx, threshold)
	return left, right
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// majorityLabel returns the most frequent label (smallest on ties) and its share.
func majorityLabel(labels []int) (int, float64) {
	if len(labels) == 0 {
		return 0, 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	bestLabel, bestCount := 0, -1
	for label, count := range counts {
		if count > bestCount || (count == bestCount && label < bestLabel) {
			bestLabel, bestCount = label, count
		}
	}
	return bestLabel, float64(bestCount) / float64(len(labels))
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
