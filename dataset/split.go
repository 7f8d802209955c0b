package dataset

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSplitRatio 切分比例不在(0, 1]区间
var ErrInvalidSplitRatio = errors.New("invalid split ratio")

// SplitIndex 返回切分点 floor(n * pct)
func SplitIndex(n int, pct float64) (int, error) {
	if math.IsNaN(pct) || pct <= 0 || pct > 1 {
		return 0, fmt.Errorf("%w: %v not in (0, 1]", ErrInvalidSplitRatio, pct)
	}
	return int(math.Floor(float64(n) * pct)), nil
}

// Split 有序切分：head为前floor(n*pct)行，tail为剩余行，不打乱顺序
func Split[T any](rows []T, pct float64) (head, tail []T, err error) {
	k, err := SplitIndex(len(rows), pct)
	if err != nil {
		return nil, nil, err
	}
	return rows[:k:k], rows[k:], nil
}

// Split 按行有序切分表
func (t *Table) Split(pct float64) (head, tail *Table, err error) {
	k, err := SplitIndex(t.Len(), pct)
	if err != nil {
		return nil, nil, err
	}
	return t.Slice(0, k), t.Slice(k, t.Len()), nil
}
