// Package dataset 提供按日期有序的数值表及其CSV读写
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/guregu/null/v6"
)

// ErrColumnNotFound 列不存在
var ErrColumnNotFound = errors.New("column not found")

// Table 有序数值表：索引列（日期）+ 若干可空数值列，按列存储
type Table struct {
	IndexName string
	Index     []string

	columns []string
	data    map[string][]null.Float
}

// New 创建空表
func New(indexName string, index []string) *Table {
	idx := make([]string, len(index))
	copy(idx, index)
	return &Table{
		IndexName: indexName,
		Index:     idx,
		columns:   make([]string, 0),
		data:      make(map[string][]null.Float),
	}
}

// Len 行数
func (t *Table) Len() int {
	return len(t.Index)
}

// Columns 返回列名（按插入顺序）
func (t *Table) Columns() []string {
	cols := make([]string, len(t.columns))
	copy(cols, t.columns)
	return cols
}

// HasColumn 检查列是否存在
func (t *Table) HasColumn(name string) bool {
	_, ok := t.data[name]
	return ok
}

// Column 返回列数据（不复制）
func (t *Table) Column(name string) ([]null.Float, bool) {
	values, ok := t.data[name]
	return values, ok
}

// Floats 返回列的float64副本，缺失值为NaN
func (t *Table) Floats(name string) ([]float64, error) {
	values, ok := t.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}
	out := make([]float64, len(values))
	for i, v := range values {
		if v.Valid {
			out[i] = v.Float64
		} else {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

// SetColumn 设置列，新列追加在末尾
func (t *Table) SetColumn(name string, values []null.Float) error {
	if name == "" {
		return errors.New("column name is empty")
	}
	if len(values) != t.Len() {
		return fmt.Errorf("column %s has %d rows, table has %d", name, len(values), t.Len())
	}
	if _, exists := t.data[name]; !exists {
		t.columns = append(t.columns, name)
	}
	t.data[name] = values
	return nil
}

// SetFloats 设置列，NaN和Inf视为缺失
func (t *Table) SetFloats(name string, values []float64) error {
	return t.SetColumn(name, FromFloats(values))
}

// RenameColumns 按顺序重命名全部列
func (t *Table) RenameColumns(names []string) error {
	if len(names) != len(t.columns) {
		return fmt.Errorf("rename expects %d names, got %d", len(t.columns), len(names))
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = struct{}{}
	}
	data := make(map[string][]null.Float, len(names))
	for i, old := range t.columns {
		data[names[i]] = t.data[old]
	}
	t.columns = append([]string(nil), names...)
	t.data = data
	return nil
}

// Select 选择列，返回新表
func (t *Table) Select(names ...string) (*Table, error) {
	out := New(t.IndexName, t.Index)
	for _, name := range names {
		values, ok := t.data[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
		}
		if err := out.SetColumn(name, cloneValues(values)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Slice 返回[i, j)行组成的新表
func (t *Table) Slice(i, j int) *Table {
	if i < 0 {
		i = 0
	}
	if j > t.Len() {
		j = t.Len()
	}
	if i > j {
		i = j
	}
	out := New(t.IndexName, t.Index[i:j])
	for _, name := range t.columns {
		out.columns = append(out.columns, name)
		out.data[name] = cloneValues(t.data[name][i:j])
	}
	return out
}

// Join 按列合并，行数必须一致且列名不可重复
func (t *Table) Join(other *Table) (*Table, error) {
	if other.Len() != t.Len() {
		return nil, fmt.Errorf("join: row count mismatch %d != %d", t.Len(), other.Len())
	}
	out := t.Clone()
	for _, name := range other.columns {
		if out.HasColumn(name) {
			return nil, fmt.Errorf("join: duplicate column %q", name)
		}
		if err := out.SetColumn(name, cloneValues(other.data[name])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DropIncomplete 删除指定列（默认全部列）含缺失值的行
func (t *Table) DropIncomplete(names ...string) (*Table, error) {
	if len(names) == 0 {
		names = t.columns
	}
	for _, name := range names {
		if !t.HasColumn(name) {
			return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
		}
	}

	keep := make([]int, 0, t.Len())
	for row := 0; row < t.Len(); row++ {
		complete := true
		for _, name := range names {
			if !t.data[name][row].Valid {
				complete = false
				break
			}
		}
		if complete {
			keep = append(keep, row)
		}
	}

	index := make([]string, len(keep))
	for i, row := range keep {
		index[i] = t.Index[row]
	}
	out := New(t.IndexName, index)
	for _, name := range t.columns {
		values := make([]null.Float, len(keep))
		for i, row := range keep {
			values[i] = t.data[name][row]
		}
		out.columns = append(out.columns, name)
		out.data[name] = values
	}
	return out, nil
}

// Clone 深拷贝
func (t *Table) Clone() *Table {
	return t.Slice(0, t.Len())
}

// ReadCSV 读取CSV，第一列为索引列
func ReadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) < 1 {
		return nil, errors.New("csv header has no columns")
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	var index []string
	columns := make([][]null.Float, len(header)-1)
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("csv line %d: expected %d fields, got %d", line, len(header), len(record))
		}
		index = append(index, record[0])
		for i, field := range record[1:] {
			value, err := parseCell(field)
			if err != nil {
				return nil, fmt.Errorf("csv line %d column %s: %w", line, header[i+1], err)
			}
			columns[i] = append(columns[i], value)
		}
	}

	t := New(header[0], index)
	for i, name := range header[1:] {
		values := columns[i]
		if values == nil {
			values = make([]null.Float, 0)
		}
		if err := t.SetColumn(name, values); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ReadCSVFile 从文件读取CSV
func ReadCSVFile(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadCSV(file)
}

// WriteCSV 写出CSV，缺失值写为空
func (t *Table) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	header := append([]string{t.IndexName}, t.columns...)
	if err := writer.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for row := 0; row < t.Len(); row++ {
		record[0] = t.Index[row]
		for i, name := range t.columns {
			v := t.data[name][row]
			if v.Valid {
				record[i+1] = strconv.FormatFloat(v.Float64, 'f', -1, 64)
			} else {
				record[i+1] = ""
			}
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteCSVFile 写出CSV文件，自动创建目录
func (t *Table) WriteCSVFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteCSV(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// FromFloats float64转可空值，NaN和Inf视为缺失
func FromFloats(values []float64) []null.Float {
	out := make([]null.Float, len(values))
	for i, v := range values {
		out[i] = null.NewFloat(v, !math.IsNaN(v) && !math.IsInf(v, 0))
	}
	return out
}

func parseCell(field string) (null.Float, error) {
	field = strings.TrimSpace(field)
	switch strings.ToLower(field) {
	case "", "nan", "null", "none", "na":
		return null.Float{}, nil
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return null.Float{}, err
	}
	return null.NewFloat(v, !math.IsNaN(v) && !math.IsInf(v, 0)), nil
}

func cloneValues(values []null.Float) []null.Float {
	out := make([]null.Float, len(values))
	copy(out, values)
	return out
}
