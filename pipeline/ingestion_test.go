package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcast/market"
)

type flakyProvider struct {
	failures int
	calls    int
	err      error
	klines   []market.KLine
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]market.KLine, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, p.err
	}
	return p.klines, nil
}

func sampleKLines() []market.KLine {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	return []market.KLine{
		{Symbol: "AAPL", Timestamp: day, Open: null.FloatFrom(1), High: null.FloatFrom(2), Low: null.FloatFrom(0.5),
			Close: null.FloatFrom(1.5), AdjClose: null.FloatFrom(1.5), Volume: null.FloatFrom(100)},
		{Symbol: "AAPL", Timestamp: day.AddDate(0, 0, 1), Open: null.FloatFrom(1.5), High: null.FloatFrom(2.5),
			Low: null.FloatFrom(1), Close: null.FloatFrom(2), AdjClose: null.FloatFrom(2)},
	}
}

func TestIngestRetriesTransportErrors(t *testing.T) {
	provider := &flakyProvider{
		failures: 2,
		err:      fmt.Errorf("%w: connection reset", market.ErrUpstreamFetch),
		klines:   sampleKLines(),
	}
	ingester := NewDataIngester(IngestionConfig{MaxRetries: 3, RetryBackoff: time.Millisecond}, provider, nil)

	table, err := ingester.Ingest(context.Background(), "AAPL", time.Time{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, provider.calls)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, "Date", table.IndexName)
	assert.Equal(t, []string{"2024-01-02", "2024-01-03"}, table.Index)

	volume, _ := table.Column("Volume")
	assert.False(t, volume[1].Valid, "missing upstream values stay missing")

	stats := ingester.GetStats()
	assert.EqualValues(t, 2, stats.TotalPoints)
	assert.EqualValues(t, 2, stats.Symbols["AAPL"])
	assert.EqualValues(t, 1, stats.Anomalies, "the bar without volume is flagged")
}

func TestIngestDoesNotRetryEmptyResults(t *testing.T) {
	provider := &flakyProvider{
		failures: 5,
		err:      fmt.Errorf("%w for AAPL", market.ErrNoRows),
	}
	ingester := NewDataIngester(IngestionConfig{MaxRetries: 3, RetryBackoff: time.Millisecond}, provider, nil)

	_, err := ingester.Ingest(context.Background(), "AAPL", time.Time{}, time.Now())
	assert.ErrorIs(t, err, market.ErrUpstreamFetch)
	assert.Equal(t, 1, provider.calls)
	assert.EqualValues(t, 1, ingester.GetStats().FailedFetches)
}

func TestIngestDoesNotRetryMalformedData(t *testing.T) {
	provider := &flakyProvider{
		failures: 5,
		err:      fmt.Errorf("%w: yahoo decode: unexpected token", market.ErrMalformed),
	}
	ingester := NewDataIngester(IngestionConfig{MaxRetries: 3, RetryBackoff: time.Millisecond}, provider, nil)

	_, err := ingester.Ingest(context.Background(), "AAPL", time.Time{}, time.Now())
	assert.ErrorIs(t, err, market.ErrMalformed)
	assert.Equal(t, 1, provider.calls)
}

func TestIngestGivesUpAfterMaxRetries(t *testing.T) {
	provider := &flakyProvider{failures: 10, err: errors.New("dial tcp: refused")}
	ingester := NewDataIngester(IngestionConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}, provider, nil)

	_, err := ingester.Ingest(context.Background(), "AAPL", time.Time{}, time.Now())
	assert.ErrorIs(t, err, market.ErrUpstreamFetch, "plain errors are wrapped")
	assert.Equal(t, 2, provider.calls)
}

func TestIngestEmptyProviderResult(t *testing.T) {
	provider := &flakyProvider{klines: nil}
	ingester := NewDataIngester(IngestionConfig{}, provider, nil)

	_, err := ingester.Ingest(context.Background(), "AAPL", time.Time{}, time.Now())
	assert.ErrorIs(t, err, market.ErrNoRows)
}
