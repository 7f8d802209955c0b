package market

import (
	"time"

	"github.com/guregu/null/v6"

	"stockcast/dataset"
)

// DateLayout is the date key format used in every price table.
const DateLayout = "2006-01-02"

// Column names of a raw price table, as exported by Yahoo Finance.
var RawColumns = []string{"Open", "High", "Low", "Close", "Adj Close", "Volume"}

// KLine is one daily bar. Prices are nullable until the table is cleaned.
type KLine struct {
	Symbol    string     `json:"symbol"`
	Timestamp time.Time  `json:"timestamp"`
	Open      null.Float `json:"open"`
	High      null.Float `json:"high"`
	Low       null.Float `json:"low"`
	Close     null.Float `json:"close"`
	AdjClose  null.Float `json:"adj_close"`
	Volume    null.Float `json:"volume"`
}

// KLinesToTable converts bars into a raw price table keyed by "Date".
func KLinesToTable(klines []KLine) *dataset.Table {
	index := make([]string, len(klines))
	cols := make([][]null.Float, len(RawColumns))
	for i := range cols {
		cols[i] = make([]null.Float, len(klines))
	}
	for i, k := range klines {
		index[i] = k.Timestamp.Format(DateLayout)
		cols[0][i] = k.Open
		cols[1][i] = k.High
		cols[2][i] = k.Low
		cols[3][i] = k.Close
		cols[4][i] = k.AdjClose
		cols[5][i] = k.Volume
	}

	t := dataset.New("Date", index)
	for i, name := range RawColumns {
		// lengths match by construction
		_ = t.SetColumn(name, cols[i])
	}
	return t
}
