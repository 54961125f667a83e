package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	vastreel = "vastreel"

	pipelineRunsTotal       = "pipeline_runs_total"
	clickResolutionsTotal   = "click_resolutions_total"
	compositionDurationSecs = "composition_duration_seconds"
	deliveriesTotal         = "deliveries_total"

	// Labels
	outcomeLabel = "outcome"
)

var outcomeLabels = []string{
	outcomeLabel,
}

/**
* Metrics definition
**/
var pipelineRunsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: vastreel,
		Name:      pipelineRunsTotal,
		Help:      "number of pipeline runs by terminal outcome",
	},
	outcomeLabels,
)

var clickResolutionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: vastreel,
		Name:      clickResolutionsTotal,
		Help:      "number of click URL resolutions by outcome",
	},
	outcomeLabels,
)

var compositionDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: vastreel,
		Name:      compositionDurationSecs,
		Help:      "wall-clock duration of compositor runs",
		Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180},
	},
	outcomeLabels,
)

var deliveriesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: vastreel,
		Name:      deliveriesTotal,
		Help:      "number of finished videos delivered to chat",
	},
	outcomeLabels,
)

func IncreasePipelineRunsMetric(outcome string) {
	pipelineRunsTotalMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func IncreaseClickResolutionsMetric(outcome string) {
	clickResolutionsTotalMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func ObserveCompositionDuration(outcome string, d time.Duration) {
	compositionDurationMetric.With(prometheus.Labels{outcomeLabel: outcome}).Observe(d.Seconds())
}

func IncreaseDeliveriesMetric(outcome string) {
	deliveriesTotalMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(pipelineRunsTotalMetric)
	prometheus.MustRegister(clickResolutionsTotalMetric)
	prometheus.MustRegister(compositionDurationMetric)
	prometheus.MustRegister(deliveriesTotalMetric)
}
