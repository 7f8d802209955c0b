package market

import (
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(day int, close, volume float64) KLine {
	return KLine{
		Symbol:    "AAPL",
		Timestamp: time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Open:      null.FloatFrom(close),
		High:      null.FloatFrom(close + 1),
		Low:       null.FloatFrom(close - 1),
		Close:     null.FloatFrom(close),
		AdjClose:  null.FloatFrom(close),
		Volume:    null.FloatFrom(volume),
	}
}

func TestAnomalyDetectorScan(t *testing.T) {
	ad := &AnomalyDetector{PriceJumpThreshold: 0.1, VolumeSpikeFactor: 3, Window: 3}
	klines := []KLine{
		bar(1, 100, 1000),
		bar(2, 101, 1000),
		bar(3, 102, 1000),
		bar(4, 130, 1000), // jump
		bar(5, 131, 9000), // spike
	}
	missing := bar(6, 131, 1000)
	missing.Close = null.Float{}
	klines = append(klines, missing)

	events := ad.Scan(klines)
	require.Len(t, events, 3)
	assert.Equal(t, AnomalyTypePriceJump, events[0].Type)
	assert.Equal(t, 4, events[0].Timestamp.Day())
	assert.Equal(t, AnomalyTypeVolumeSpike, events[1].Type)
	assert.Equal(t, 5, events[1].Timestamp.Day())
	assert.Equal(t, AnomalyTypeMissing, events[2].Type)
}

func TestAnomalyDetectorBadRange(t *testing.T) {
	k := bar(1, 100, 1000)
	k.High = null.FloatFrom(90)
	events := NewAnomalyDetector().Scan([]KLine{k})
	require.Len(t, events, 1)
	assert.Equal(t, AnomalyTypeBadRange, events[0].Type)
}

func TestAnomalyDetectorQuietSeries(t *testing.T) {
	var klines []KLine
	for d := 1; d <= 28; d++ {
		klines = append(klines, bar(d, 100+float64(d)*0.1, 1000))
	}
	assert.Empty(t, NewAnomalyDetector().Scan(klines))
}
