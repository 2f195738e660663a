package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsRegistry collects everything exposed on /metrics.
var metricsRegistry = prometheus.NewRegistry()

var (
	metricUploads = promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Name: "vault_chunk_uploads_total",
		Help: "Chunk submissions by outcome.",
	}, []string{"status"})

	metricQuotaRejections = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Name: "vault_quota_rejections_total",
		Help: "Admission checks rejected for insufficient space.",
	})

	metricMergeFailures = promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
		Name: "vault_merge_failures_total",
		Help: "Chunk merges that failed.",
	})

	metricTranscodes = promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
		Name: "vault_transcodes_total",
		Help: "Post-merge transcode runs by result.",
	}, []string{"result"})

	metricActiveSessions = promauto.With(metricsRegistry).NewGauge(prometheus.GaugeOpts{
		Name: "vault_active_upload_sessions",
		Help: "Upload sessions with chunks on disk.",
	})
)

func init() {
	metricsRegistry.MustRegister(collectors.NewGoCollector())
	metricsRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}
