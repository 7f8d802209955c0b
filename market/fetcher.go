package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/guregu/null/v6"

	"stockcast/dataset"
)

// ErrUpstreamFetch is returned when the data source yields no rows for the
// requested symbol and date range, or cannot be reached.
var ErrUpstreamFetch = errors.New("upstream fetch failed")

// ErrNoRows marks an empty result; retrying it will not help.
var ErrNoRows = fmt.Errorf("%w: no rows", ErrUpstreamFetch)

// ErrMalformed marks a payload that could not be parsed; retrying it will not
// help either.
var ErrMalformed = fmt.Errorf("%w: malformed data", ErrUpstreamFetch)

// Provider fetches daily bars for a symbol in [start, end).
type Provider interface {
	Name() string
	FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]KLine, error)
}

// YahooProvider implements Provider using the Yahoo Finance chart API.
type YahooProvider struct {
	Client  *http.Client
	BaseURL string
}

// NewYahooProvider creates a Yahoo provider, optionally routed through a proxy.
func NewYahooProvider(proxyURL string) *YahooProvider {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &YahooProvider{
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		BaseURL: "https://query1.finance.yahoo.com",
	}
}

func (p *YahooProvider) Name() string { return "yahoo" }

type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchDaily downloads daily bars. A response without rows is ErrUpstreamFetch.
func (p *YahooProvider) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]KLine, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&period1=%d&period2=%d&events=history",
		strings.TrimRight(p.BaseURL, "/"), url.PathEscape(symbol), start.Unix(), end.Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: yahoo fetch %s: %v", ErrUpstreamFetch, symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: yahoo read body: %v", ErrUpstreamFetch, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: yahoo status %d for %s", ErrUpstreamFetch, resp.StatusCode, symbol)
	}

	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, fmt.Errorf("%w: yahoo decode: %v", ErrMalformed, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("%w: yahoo api error: %s", ErrUpstreamFetch, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 ||
		len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%w: no data for %s between %s and %s", ErrNoRows,
			symbol, start.Format(DateLayout), end.Format(DateLayout))
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	var adj []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adj = result.Indicators.AdjClose[0].AdjClose
	}

	klines := make([]KLine, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		klines = append(klines, KLine{
			Symbol:    symbol,
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      at(quote.Open, i),
			High:      at(quote.High, i),
			Low:       at(quote.Low, i),
			Close:     at(quote.Close, i),
			AdjClose:  at(adj, i),
			Volume:    at(quote.Volume, i),
		})
	}

	sort.Slice(klines, func(i, j int) bool { return klines[i].Timestamp.Before(klines[j].Timestamp) })
	return klines, nil
}

func at(values []*float64, i int) null.Float {
	if i >= len(values) {
		return null.Float{}
	}
	return null.FloatFromPtr(values[i])
}

// CSVProvider serves bars from a local CSV export (Date,Open,High,Low,Close,Adj Close,Volume).
type CSVProvider struct {
	Path string
}

func (p *CSVProvider) Name() string { return "csv" }

// FetchDaily returns the rows of the export whose date falls in [start, end).
func (p *CSVProvider) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]KLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	table, err := dataset.ReadCSVFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUpstreamFetch, p.Path, err)
	}

	cols := make([][]null.Float, len(RawColumns))
	for i, name := range RawColumns {
		values, ok := table.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no %q column", ErrMalformed, p.Path, name)
		}
		cols[i] = values
	}

	klines := make([]KLine, 0, table.Len())
	for row, key := range table.Index {
		day := strings.TrimSpace(key)
		if len(day) > len(DateLayout) {
			day = day[:len(DateLayout)]
		}
		ts, err := time.Parse(DateLayout, day)
		if err != nil {
			return nil, fmt.Errorf("%w: bad date %q: %v", ErrMalformed, key, err)
		}
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		klines = append(klines, KLine{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      cols[0][row],
			High:      cols[1][row],
			Low:       cols[2][row],
			Close:     cols[3][row],
			AdjClose:  cols[4][row],
			Volume:    cols[5][row],
		})
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w for %s between %s and %s", ErrNoRows,
			symbol, start.Format(DateLayout), end.Format(DateLayout))
	}
	sort.Slice(klines, func(i, j int) bool { return klines[i].Timestamp.Before(klines[j].Timestamp) })
	return klines, nil
}
