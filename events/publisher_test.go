package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPredictionEventDirection(t *testing.T) {
	up := NewPredictionEvent("AAPL", "2024-01-03", 1, "model:v2")
	assert.Equal(t, "Up", up.Direction)
	assert.False(t, up.CreatedAt.IsZero())

	down := NewPredictionEvent("AAPL", "2024-01-03", 0, "model:v2")
	assert.Equal(t, "Down", down.Direction)
}

func TestDecodeRoundTrip(t *testing.T) {
	ev := NewPredictionEvent("MSFT", "2024-02-01", 1, "model:v0")
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"model_used":"model:v0"`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Date, got.Date)
	assert.Equal(t, ev.Prediction, got.Prediction)
	assert.True(t, ev.CreatedAt.Equal(got.CreatedAt))

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

func TestConnectWithoutURLIsNoop(t *testing.T) {
	pub, err := Connect("", "stockcast.predictions", zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Noop{}, pub)
	assert.NoError(t, pub.PublishPrediction(context.Background(), PredictionEvent{}))
	assert.NoError(t, pub.Close())
}

func TestConnectUnreachableServer(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "stockcast.predictions", zap.NewNop())
	assert.Error(t, err)
}
