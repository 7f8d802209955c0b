// Package metrics records pipeline step gauges and pushes them to a
// Prometheus Pushgateway at the end of a run.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Reporter owns a private registry so steps running in one process do not
// collide with the default registry.
type Reporter struct {
	registry *prometheus.Registry
	url      string
	job      string

	Rows         *prometheus.GaugeVec
	StepDuration *prometheus.GaugeVec
	StepFailures *prometheus.CounterVec
	Accuracy     *prometheus.GaugeVec
	LastSuccess  *prometheus.GaugeVec
	Predictions  *prometheus.CounterVec
	Feedback     *prometheus.CounterVec
}

// NewReporter builds a reporter. An empty pushURL disables Push.
func NewReporter(pushURL, job string) *Reporter {
	reg := prometheus.NewRegistry()
	r := &Reporter{
		registry: reg,
		url:      pushURL,
		job:      job,
		Rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stockcast_artifact_rows",
			Help: "Rows in the artifact written by a step",
		}, []string{"step", "artifact"}),
		StepDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stockcast_step_duration_seconds",
			Help: "Wall time of the last run of a step",
		}, []string{"step"}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockcast_step_failures_total",
			Help: "Failed step attempts",
		}, []string{"step"}),
		Accuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stockcast_model_metric",
			Help: "Validation metrics of the last trained model",
		}, []string{"metric"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stockcast_step_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of a step",
		}, []string{"step"}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockcast_predictions_total",
			Help: "Predictions persisted or relayed to the dashboard, by direction",
		}, []string{"direction"}),
		Feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockcast_feedback_total",
			Help: "Actual directions reported through the dashboard",
		}, []string{"actual"}),
	}
	reg.MustRegister(r.Rows, r.StepDuration, r.StepFailures, r.Accuracy, r.LastSuccess, r.Predictions, r.Feedback)
	reg.MustRegister(collectors.NewGoCollector())
	return r
}

// Registry exposes the gatherer for a /metrics handler.
func (r *Reporter) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveStep records the outcome of one step attempt.
func (r *Reporter) ObserveStep(step string, elapsed time.Duration, err error) {
	r.StepDuration.WithLabelValues(step).Set(elapsed.Seconds())
	if err != nil {
		r.StepFailures.WithLabelValues(step).Inc()
		return
	}
	r.LastSuccess.WithLabelValues(step).SetToCurrentTime()
}

func (r *Reporter) ObserveRows(step, artifact string, rows int) {
	r.Rows.WithLabelValues(step, artifact).Set(float64(rows))
}

func (r *Reporter) ObserveModel(metrics map[string]float64) {
	for name, v := range metrics {
		r.Accuracy.WithLabelValues(name).Set(v)
	}
}

func (r *Reporter) ObservePrediction(prediction int) {
	r.Predictions.WithLabelValues(direction(prediction)).Inc()
}

func (r *Reporter) ObserveFeedback(actual int) {
	r.Feedback.WithLabelValues(direction(actual)).Inc()
}

func direction(v int) string {
	if v == 1 {
		return "up"
	}
	return "down"
}

// Push sends the registry to the Pushgateway. It is a no-op without a URL.
func (r *Reporter) Push(ctx context.Context) error {
	if r == nil || r.url == "" {
		return nil
	}
	return push.New(r.url, r.job).Gatherer(r.registry).PushContext(ctx)
}
