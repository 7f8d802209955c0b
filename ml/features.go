package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"stockcast/dataset"
	"stockcast/market"
)

var ErrUnknownFeature = errors.New("unknown feature extractor")

// Transform maps a cleaned price table to a table of feature columns with the
// same index. Implementations must not modify their input.
type Transform func(*dataset.Table) (*dataset.Table, error)

// Extractor is one resolved step of a feature pipeline.
type Extractor struct {
	Spec      FeatureSpec
	Columns   []string
	WarmUp    int
	Transform Transform
}

// FeatureSpec is the serialized form of an extractor.
type FeatureSpec struct {
	Name   string         `json:"name"`
	Params map[string]int `json:"params,omitempty"`
}

func (s FeatureSpec) param(key string, def int) int {
	if v, ok := s.Params[key]; ok && v > 0 {
		return v
	}
	return def
}

type builder func(FeatureSpec) Extractor

var registry = map[string]builder{
	"rsi": func(s FeatureSpec) Extractor { return RSI(s.param("period", 14)) },
	"adl": func(FeatureSpec) Extractor { return ADL() },
	"obv": func(FeatureSpec) Extractor { return OBV() },
	"macd": func(s FeatureSpec) Extractor {
		return MACD(s.param("fast", 12), s.param("slow", 26), s.param("signal", 9))
	},
}

// DefaultFeatureSpecs RSI(14), ADL, OBV, MACD(12,26,9)
func DefaultFeatureSpecs() []FeatureSpec {
	return []FeatureSpec{
		{Name: "rsi", Params: map[string]int{"period": 14}},
		{Name: "adl"},
		{Name: "obv"},
		{Name: "macd", Params: map[string]int{"fast": 12, "slow": 26, "signal": 9}},
	}
}

// FeatureNames lists the registered extractor names.
func FeatureNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func RSI(period int) Extractor {
	column := fmt.Sprintf("rsi_%d", period)
	return Extractor{
		Spec:    FeatureSpec{Name: "rsi", Params: map[string]int{"period": period}},
		Columns: []string{column},
		WarmUp:  period,
		Transform: func(t *dataset.Table) (*dataset.Table, error) {
			cols, err := floats(t, "close")
			if err != nil {
				return nil, err
			}
			return output(t, []string{column}, market.RSISeries(cols[0], period))
		},
	}
}

func ADL() Extractor {
	return Extractor{
		Spec:    FeatureSpec{Name: "adl"},
		Columns: []string{"adl"},
		Transform: func(t *dataset.Table) (*dataset.Table, error) {
			cols, err := floats(t, "high", "low", "close", "volume")
			if err != nil {
				return nil, err
			}
			return output(t, []string{"adl"}, market.ADLSeries(cols[0], cols[1], cols[2], cols[3]))
		},
	}
}

func OBV() Extractor {
	return Extractor{
		Spec:    FeatureSpec{Name: "obv"},
		Columns: []string{"obv"},
		Transform: func(t *dataset.Table) (*dataset.Table, error) {
			cols, err := floats(t, "close", "volume")
			if err != nil {
				return nil, err
			}
			return output(t, []string{"obv"}, market.OBVSeries(cols[0], cols[1]))
		},
	}
}

func MACD(fast, slow, signal int) Extractor {
	columns := []string{"macd", "macd_hist", "macd_signal"}
	return Extractor{
		Spec:    FeatureSpec{Name: "macd", Params: map[string]int{"fast": fast, "slow": slow, "signal": signal}},
		Columns: columns,
		WarmUp:  market.MACDWarmUp(fast, slow, signal),
		Transform: func(t *dataset.Table) (*dataset.Table, error) {
			cols, err := floats(t, "close")
			if err != nil {
				return nil, err
			}
			macd, hist, sig := market.MACDSeries(cols[0], fast, slow, signal)
			return output(t, columns, macd, hist, sig)
		},
	}
}

// Union runs every transform over the same input and concatenates the outputs
// column-wise. All outputs must keep the input row count.
func Union(transforms ...Transform) Transform {
	return func(t *dataset.Table) (*dataset.Table, error) {
		out := dataset.New(t.IndexName, t.Index)
		for _, transform := range transforms {
			part, err := transform(t)
			if err != nil {
				return nil, err
			}
			if part.Len() != t.Len() {
				return nil, fmt.Errorf("feature produced %d rows, input has %d", part.Len(), t.Len())
			}
			out, err = out.Join(part)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}

// FeaturePipeline is an ordered list of extractors combined by Union.
type FeaturePipeline struct {
	extractors []Extractor
}

// NewFeaturePipeline resolves specs through the registry.
func NewFeaturePipeline(specs []FeatureSpec) (*FeaturePipeline, error) {
	if len(specs) == 0 {
		return nil, errors.New("feature pipeline is empty")
	}
	p := &FeaturePipeline{}
	seen := make(map[string]struct{})
	for _, spec := range specs {
		build, ok := registry[spec.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownFeature, spec.Name, FeatureNames())
		}
		extractor := build(spec)
		for _, column := range extractor.Columns {
			if _, dup := seen[column]; dup {
				return nil, fmt.Errorf("feature column %q produced twice", column)
			}
			seen[column] = struct{}{}
		}
		p.extractors = append(p.extractors, extractor)
	}
	return p, nil
}

// DefaultFeaturePipeline RSI + ADL + OBV + MACD
func DefaultFeaturePipeline() *FeaturePipeline {
	p, _ := NewFeaturePipeline(DefaultFeatureSpecs())
	return p
}

func (p *FeaturePipeline) Specs() []FeatureSpec {
	specs := make([]FeatureSpec, len(p.extractors))
	for i, e := range p.extractors {
		specs[i] = e.Spec
	}
	return specs
}

// Columns returns the output columns in pipeline order.
func (p *FeaturePipeline) Columns() []string {
	var columns []string
	for _, e := range p.extractors {
		columns = append(columns, e.Columns...)
	}
	return columns
}

// WarmUp is the number of leading rows with at least one undefined feature.
func (p *FeaturePipeline) WarmUp() int {
	warmUp := 0
	for _, e := range p.extractors {
		if e.WarmUp > warmUp {
			warmUp = e.WarmUp
		}
	}
	return warmUp
}

// Transform applies the union of all extractors.
func (p *FeaturePipeline) Transform(t *dataset.Table) (*dataset.Table, error) {
	transforms := make([]Transform, len(p.extractors))
	for i, e := range p.extractors {
		transforms[i] = e.Transform
	}
	return Union(transforms...)(t)
}

func (p *FeaturePipeline) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Specs())
}

func (p *FeaturePipeline) UnmarshalJSON(data []byte) error {
	var specs []FeatureSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return err
	}
	resolved, err := NewFeaturePipeline(specs)
	if err != nil {
		return err
	}
	*p = *resolved
	return nil
}

// Save writes the pipeline specs as JSON.
func (p *FeaturePipeline) Save(path string) error {
	payload, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func LoadFeaturePipeline(path string) (*FeaturePipeline, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := &FeaturePipeline{}
	if err := json.Unmarshal(payload, p); err != nil {
		return nil, fmt.Errorf("decode feature pipeline %s: %w", path, err)
	}
	return p, nil
}

func floats(t *dataset.Table, names ...string) ([][]float64, error) {
	cols := make([][]float64, len(names))
	for i, name := range names {
		values, err := t.Floats(name)
		if err != nil {
			return nil, err
		}
		cols[i] = values
	}
	return cols, nil
}

func output(t *dataset.Table, names []string, series ...[]float64) (*dataset.Table, error) {
	out := dataset.New(t.IndexName, t.Index)
	for i, name := range names {
		if err := out.SetFloats(name, series[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
