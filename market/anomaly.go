package market

import (
	"fmt"
	"math"
	"time"
)

// AnomalyDetector flags suspicious bars in a fetched series. Findings are
// informational; the series is never altered.
type AnomalyDetector struct {
	PriceJumpThreshold float64 // relative close-to-close move
	VolumeSpikeFactor  float64 // multiple of the trailing mean volume
	Window             int     // bars in the trailing volume mean
}

// AnomalyEvent describes one flagged bar.
type AnomalyEvent struct {
	Type        string                 `json:"type"`
	Symbol      string                 `json:"symbol"`
	Timestamp   time.Time              `json:"timestamp"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details"`
}

const (
	AnomalyTypePriceJump   = "price_jump"
	AnomalyTypeVolumeSpike = "volume_spike"
	AnomalyTypeBadRange    = "bad_range"
	AnomalyTypeMissing     = "missing_value"
)

func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{
		PriceJumpThreshold: 0.2,
		VolumeSpikeFactor:  5.0,
		Window:             20,
	}
}

// Scan checks bars in order. Missing values are reported once per bar and
// skipped by the other checks.
func (ad *AnomalyDetector) Scan(klines []KLine) []AnomalyEvent {
	var out []AnomalyEvent
	prevClose := math.NaN()
	var volumes []float64

	for _, k := range klines {
		if !k.Open.Valid || !k.High.Valid || !k.Low.Valid || !k.Close.Valid || !k.Volume.Valid {
			out = append(out, event(AnomalyTypeMissing, k, "bar has missing values", nil))
			continue
		}

		if k.High.Float64 < k.Low.Float64 {
			out = append(out, event(AnomalyTypeBadRange, k, "high below low", map[string]interface{}{
				"high": k.High.Float64,
				"low":  k.Low.Float64,
			}))
		}

		if prevClose > 0 {
			change := math.Abs(k.Close.Float64-prevClose) / prevClose
			if change > ad.PriceJumpThreshold {
				out = append(out, event(AnomalyTypePriceJump, k,
					fmt.Sprintf("close moved %.1f%%", change*100), map[string]interface{}{
						"close":          k.Close.Float64,
						"previous_close": prevClose,
						"change_percent": change * 100,
					}))
			}
		}
		prevClose = k.Close.Float64

		if len(volumes) >= ad.Window && ad.Window > 0 {
			recent := volumes[len(volumes)-ad.Window:]
			sum := 0.0
			for _, v := range recent {
				sum += v
			}
			avg := sum / float64(len(recent))
			if avg > 0 && k.Volume.Float64/avg > ad.VolumeSpikeFactor {
				out = append(out, event(AnomalyTypeVolumeSpike, k,
					fmt.Sprintf("volume %.1fx the %d bar mean", k.Volume.Float64/avg, ad.Window),
					map[string]interface{}{
						"volume":     k.Volume.Float64,
						"avg_volume": avg,
					}))
			}
		}
		volumes = append(volumes, k.Volume.Float64)
	}
	return out
}

func event(kind string, k KLine, description string, details map[string]interface{}) AnomalyEvent {
	return AnomalyEvent{
		Type:        kind,
		Symbol:      k.Symbol,
		Timestamp:   k.Timestamp,
		Description: description,
		Details:     details,
	}
}
