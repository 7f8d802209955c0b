package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStep(t *testing.T) {
	r := NewReporter("", "test")
	r.ObserveStep("training", 2*time.Second, nil)
	r.ObserveStep("training", time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.StepDuration.WithLabelValues("training")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StepFailures.WithLabelValues("training")))
	assert.Greater(t, testutil.ToFloat64(r.LastSuccess.WithLabelValues("training")), 0.0)
}

func TestObserveModelAndPredictions(t *testing.T) {
	r := NewReporter("", "test")
	r.ObserveModel(map[string]float64{"accuracy": 0.61, "precision": 0.58})
	r.ObservePrediction(1)
	r.ObservePrediction(0)
	r.ObservePrediction(1)
	r.ObserveRows("data_cleaning", "cleaned_data", 250)
	r.ObserveFeedback(0)

	assert.Equal(t, 0.61, testutil.ToFloat64(r.Accuracy.WithLabelValues("accuracy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Predictions.WithLabelValues("up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Predictions.WithLabelValues("down")))
	assert.Equal(t, 250.0, testutil.ToFloat64(r.Rows.WithLabelValues("data_cleaning", "cleaned_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Feedback.WithLabelValues("down")))
}

func TestPushWithoutURLIsNoop(t *testing.T) {
	assert.NoError(t, NewReporter("", "test").Push(context.Background()))
	var r *Reporter
	assert.NoError(t, r.Push(context.Background()))
}

func TestPushSendsToGateway(t *testing.T) {
	var body string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path = req.URL.Path
		data, _ := io.ReadAll(req.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter(srv.URL, "stockcast")
	r.ObserveRows("data_ingestion", "stock_data", 10)
	require.NoError(t, r.Push(context.Background()))

	assert.True(t, strings.HasPrefix(path, "/metrics/job/stockcast"))
	assert.NotEmpty(t, body)
}
