package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	refreshes *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	deltaRows *prometheus.HistogramVec
	duration  *prometheus.HistogramVec
	threshold *prometheus.GaugeVec
}

// NewMetrics registers the refresh metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		refreshes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ivm_refresh_total",
			Help: "Number of completed view refreshes by kind.",
		}, []string{"view", "kind"}),
		fallbacks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ivm_fallback_total",
			Help: "Number of refreshes that fell back to full recomputation.",
		}, []string{"view", "reason"}),
		deltaRows: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ivm_delta_rows",
			Help:    "Rows in the delta of a differential refresh.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"view"}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ivm_refresh_duration_seconds",
			Help:    "Time spent computing and applying a refresh.",
			Buckets: prometheus.DefBuckets,
		}, []string{"view", "kind"}),
		threshold: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ivm_change_ratio_threshold",
			Help: "Change ratio above which a view is recomputed in full.",
		}, []string{"view"}),
	}
}
