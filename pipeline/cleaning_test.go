package pipeline

import (
	"errors"
	"math"
	"testing"

	"stockcast/dataset"
)

func nan() float64 { return math.NaN() }

func buildTable(t *testing.T, index []string, names []string, columns ...[]float64) *dataset.Table {
	t.Helper()
	table := dataset.New("Date", index)
	for i, name := range names {
		if err := table.SetFloats(name, columns[i]); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return table
}

func sampleRaw(t *testing.T) *dataset.Table {
	return buildTable(t,
		[]string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"},
		[]string{"open", "high", "low", "close", "adj_close", "volume"},
		[]float64{nan(), nan(), 3, 4, 5},
		[]float64{1, nan(), 3, 4, 5},
		[]float64{1, nan(), nan(), 4, 5},
		[]float64{1, 2, 3, nan(), 5},
		[]float64{1, 2, 3, 4, nan()},
		[]float64{1, nan(), nan(), nan(), 5},
	)
}

func TestNewDataCleaner(t *testing.T) {
	cleaner := NewDataCleaner()
	if cleaner == nil {
		t.Fatal("NewDataCleaner returned nil")
	}

	if len(cleaner.rules) == 0 {
		t.Error("No default rules added")
	}
}

func TestNormalizeColumnName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Open", "open"},
		{"Adj Close", "adj_close"},
		{"  ADJ   close ", "adj_close"},
		{"adj_close", "adj_close"},
		{"Volume", "volume"},
		{"Date", "date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeColumnName(tt.name); got != tt.want {
				t.Errorf("NormalizeColumnName(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestDataCleaner_CleanColumnNames(t *testing.T) {
	table := buildTable(t, []string{"a", "b"},
		[]string{"Open", "High", "Low", "Close", "Adj Close", "Volume"},
		[]float64{1, 2}, []float64{1, nan()}, []float64{1, nan()},
		[]float64{1, 2}, []float64{1, 2}, []float64{3, nan()},
	)

	cleaned, err := NewDataCleaner().Clean(table)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"open", "high", "low", "close", "adj_close", "volume"}
	got := cleaned.Columns()
	if len(got) != len(want) {
		t.Fatalf("columns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("columns = %v, want %v", got, want)
		}
	}
	if cleaned.IndexName != "date" {
		t.Errorf("index name = %q, want date", cleaned.IndexName)
	}
}

func TestDataCleaner_Clean(t *testing.T) {
	cleaner := NewDataCleaner()

	cleaned, err := cleaner.Clean(sampleRaw(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := map[string][]float64{
		"open":      {3, 3, 3, 4, 5},
		"high":      {1, 2, 3, 4, 5},
		"low":       {1, 2, 3, 4, 5},
		"close":     {1, 2, 3, 4, 5},
		"adj_close": {1, 2, 3, 4, 4},
		"volume":    {1, 2, 3, 4, 5},
	}
	for column, want := range expected {
		got, err := cleaned.Floats(column)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i := range want {
			if math.Abs(got[i]-want[i]) > 1e-12 {
				t.Errorf("%s[%d] = %v, want %v", column, i, got[i], want[i])
			}
		}
	}

	if cleaned.Len() != 5 {
		t.Errorf("Expected 5 rows, got %d", cleaned.Len())
	}

	stats := cleaner.GetStats()
	if stats.Corrected != 10 {
		t.Errorf("Expected 10 filled values, got %d", stats.Corrected)
	}
}

func TestDataCleaner_Idempotent(t *testing.T) {
	cleaner := NewDataCleaner()

	once, err := cleaner.Clean(sampleRaw(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := cleaner.Clean(once)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, column := range RequiredColumns {
		a, _ := once.Floats(column)
		b, _ := twice.Floats(column)
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("%s[%d] changed on second clean: %v != %v", column, i, a[i], b[i])
			}
		}
	}
}

func TestDataCleaner_CleanWithInvalidData(t *testing.T) {
	tests := []struct {
		name  string
		table func(t *testing.T) *dataset.Table
	}{
		{
			name: "missing column",
			table: func(t *testing.T) *dataset.Table {
				return buildTable(t, []string{"a"}, []string{"Open", "High", "Low", "Close", "Volume"},
					[]float64{1}, []float64{1}, []float64{1}, []float64{1}, []float64{1})
			},
		},
		{
			name: "fully empty column",
			table: func(t *testing.T) *dataset.Table {
				return buildTable(t, []string{"a", "b"},
					[]string{"Open", "High", "Low", "Close", "Adj Close", "Volume"},
					[]float64{1, 2}, []float64{1, 2}, []float64{1, 2},
					[]float64{1, 2}, []float64{1, 2}, []float64{nan(), nan()})
			},
		},
		{
			name: "duplicate after normalization",
			table: func(t *testing.T) *dataset.Table {
				return buildTable(t, []string{"a"},
					[]string{"Open", "open", "High", "Low", "Close", "Adj Close", "Volume"},
					[]float64{1}, []float64{1}, []float64{1}, []float64{1},
					[]float64{1}, []float64{1}, []float64{1})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDataCleaner().Clean(tt.table(t))
			if !errors.Is(err, ErrCleaning) {
				t.Errorf("expected ErrCleaning, got %v", err)
			}
		})
	}
}

func TestDataCleaner_KeepsExtraColumns(t *testing.T) {
	table := buildTable(t, []string{"a", "b"},
		[]string{"Open", "High", "Low", "Close", "Adj Close", "Volume", "Dividends"},
		[]float64{1, 2}, []float64{1, 2}, []float64{1, 2},
		[]float64{1, 2}, []float64{1, 2}, []float64{1, 2}, []float64{0, nan()})

	cleaned, err := NewDataCleaner().Clean(table)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dividends, ok := cleaned.Column("dividends")
	if !ok {
		t.Fatal("expected extra column to survive")
	}
	if dividends[1].Valid {
		t.Error("extra columns are not interpolated")
	}
}

func BenchmarkDataCleaner_Clean(b *testing.B) {
	cleaner := NewDataCleaner()

	n := 1000
	index := make([]string, n)
	columns := make([][]float64, len(RequiredColumns))
	for c := range columns {
		columns[c] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		index[i] = "row"
		for c := range columns {
			columns[c][i] = 10 + float64(i)*0.01
			if i%7 == 0 {
				columns[c][i] = math.NaN()
			}
		}
	}
	table := dataset.New("Date", index)
	for c, name := range RequiredColumns {
		_ = table.SetFloats(name, columns[c])
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = cleaner.Clean(table)
	}
}
