// Package metrics
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_name"},
	)
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changedetect_probes_total",
			Help: "Total number of metadata probes issued, labeled by status code (0 for transport failures).",
		},
		[]string{"status_code"},
	)
	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "changedetect_probe_duration_seconds",
			Help:    "Duration of metadata probes in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	ChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changedetect_changes_total",
			Help: "Total number of classified resources, labeled by change category.",
		},
		[]string{"category"},
	)
	RetrievalsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "changedetect_retrievals_queued_total",
			Help: "Total number of resources handed off for full retrieval.",
		},
	)
	MetadataUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "changedetect_metadata_updates_total",
			Help: "Total number of stored metadata updates written to the catalog.",
		},
	)
	ResourcesChecked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "changedetect_resources_checked",
			Help: "Number of resources checked in the last detection cycle.",
		},
	)
)

func init() {
	prometheus.MustRegister(DBQueryDuration)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(ChangesTotal)
	prometheus.MustRegister(RetrievalsQueued)
	prometheus.MustRegister(MetadataUpdates)
	prometheus.MustRegister(ResourcesChecked)
}

func ExposeMetrics(addr string) {
	slog.Info("Exposing Prometheus metrics", "address", addr)
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("Failed to start Prometheus metrics server", "error", err)
	}
}

// ChangeCategory maps the empty "nothing differed" label to a readable metric value.
func ChangeCategory(label string) string {
	if label == "" {
		return "unchanged"
	}
	return label
}
