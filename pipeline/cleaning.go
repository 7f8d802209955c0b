package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"stockcast/dataset"
)

// ErrCleaning 清洗失败：缺列、列名冲突或整列缺失
var ErrCleaning = errors.New("cleaning failed")

// RequiredColumns 清洗后必须存在的价格列
var RequiredColumns = []string{"open", "high", "low", "close", "adj_close", "volume"}

// ColumnRule 列清洗规则
type ColumnRule interface {
	Apply(column string, values []null.Float) ([]null.Float, int, error)
	Name() string
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules []ColumnRule

	stats     CleaningStats
	statsLock sync.RWMutex
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Corrected      int64            `json:"corrected"`
	Filled         map[string]int64 `json:"filled"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner 创建数据清洗器
func NewDataCleaner() *DataCleaner {
	cleaner := &DataCleaner{
		rules: make([]ColumnRule, 0),
		stats: CleaningStats{
			Filled: make(map[string]int64),
		},
	}

	// 添加默认规则
	cleaner.AddRule(NewLinearInterpolationRule())

	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule ColumnRule) {
	dc.rules = append(dc.rules, rule)
}

// Clean 规范列名后对每个价格列依次应用规则，返回新表
func (dc *DataCleaner) Clean(table *dataset.Table) (*dataset.Table, error) {
	out, err := NormalizeColumns(table)
	if err != nil {
		return nil, err
	}

	for _, column := range RequiredColumns {
		if !out.HasColumn(column) {
			return nil, fmt.Errorf("%w: missing required column %q (have %v)", ErrCleaning, column, out.Columns())
		}
	}

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for _, column := range RequiredColumns {
		values, _ := out.Column(column)
		for _, rule := range dc.rules {
			cleaned, changed, err := rule.Apply(column, values)
			if err != nil {
				return nil, fmt.Errorf("%w: %s on %s: %v", ErrCleaning, rule.Name(), column, err)
			}
			values = cleaned
			dc.stats.Corrected += int64(changed)
			dc.stats.Filled[column] += int64(changed)
		}
		if err := out.SetColumn(column, values); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCleaning, err)
		}
	}

	dc.stats.TotalProcessed += int64(out.Len())
	dc.stats.LastClean = time.Now()

	return out, nil
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Filled = make(map[string]int64, len(dc.stats.Filled))
	for k, v := range dc.stats.Filled {
		stats.Filled[k] = v
	}
	return stats
}

var folder = cases.Lower(language.Und)

// NormalizeColumnName 小写化并将空白替换为下划线："Adj Close" -> "adj_close"
func NormalizeColumnName(name string) string {
	return strings.Join(strings.Fields(folder.String(name)), "_")
}

// NormalizeColumns 规范索引名和全部列名，保持列顺序
func NormalizeColumns(table *dataset.Table) (*dataset.Table, error) {
	out := table.Clone()
	out.IndexName = NormalizeColumnName(table.IndexName)

	columns := table.Columns()
	names := make([]string, len(columns))
	for i, column := range columns {
		names[i] = NormalizeColumnName(column)
	}
	if err := out.RenameColumns(names); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCleaning, err)
	}
	return out, nil
}

// ============ 清洗规则实现 ============

// LinearInterpolationRule 线性插值规则：内部缺口按行位置线性填充，两端缺口用最近的已知值填充
type LinearInterpolationRule struct{}

func NewLinearInterpolationRule() *LinearInterpolationRule {
	return &LinearInterpolationRule{}
}

func (r *LinearInterpolationRule) Name() string {
	return "linear_interpolation"
}

func (r *LinearInterpolationRule) Apply(column string, values []null.Float) ([]null.Float, int, error) {
	known := make([]int, 0, len(values))
	for i, v := range values {
		if v.Valid {
			known = append(known, i)
		}
	}
	if len(values) > 0 && len(known) == 0 {
		return nil, 0, fmt.Errorf("column %s has no values to interpolate from", column)
	}

	out := make([]null.Float, len(values))
	copy(out, values)
	if len(known) == len(values) {
		return out, 0, nil
	}

	filled := 0
	first, last := known[0], known[len(known)-1]
	for i := 0; i < first; i++ {
		out[i] = null.FloatFrom(values[first].Float64)
		filled++
	}
	for i := last + 1; i < len(values); i++ {
		out[i] = null.FloatFrom(values[last].Float64)
		filled++
	}
	for k := 1; k < len(known); k++ {
		a, b := known[k-1], known[k]
		if b-a == 1 {
			continue
		}
		va, vb := values[a].Float64, values[b].Float64
		for i := a + 1; i < b; i++ {
			out[i] = null.FloatFrom(va + (vb-va)*float64(i-a)/float64(b-a))
			filled++
		}
	}
	return out, filled, nil
}
