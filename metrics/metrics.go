// Package metrics provides Prometheus instruments for the mirror server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumi_mirror_sync_operations_total",
			Help: "Sync operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	syncStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumi_mirror_sync_step_duration_seconds",
			Help:    "Duration of each sync step",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step", "status"},
	)

	syncConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumi_mirror_sync_conflicts_total",
			Help: "Sync requests rejected because the resource was already syncing",
		},
	)

	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumi_mirror_remote_calls_total",
			Help: "Outbound remote API calls by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	remoteRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumi_mirror_remote_retries_total",
			Help: "Retried remote API calls by endpoint",
		},
		[]string{"endpoint"},
	)

	quotaCriticalPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumi_mirror_quota_critical_percent",
			Help: "Highest per-minute tier utilization in percent",
		},
	)

	archivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumi_mirror_archives_total",
			Help: "Archive slots written or reused",
		},
		[]string{"result"},
	)

	blobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumi_mirror_blob_operations_total",
			Help: "Asset blob store operations by backend, operation and result",
		},
		[]string{"backend", "op", "success"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumi_mirror_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	wsClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumi_mirror_ws_clients_active",
			Help: "Connected websocket clients",
		},
	)
)

func RecordSyncOperation(kind, outcome string) {
	syncOperationsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordStep(step, status string, d time.Duration) {
	syncStepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

func RecordSyncConflict() {
	syncConflictsTotal.Inc()
}

func RecordRemoteCall(endpoint string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	remoteCallsTotal.WithLabelValues(endpoint, result).Inc()
}

func RecordRemoteRetry(endpoint string) {
	remoteRetriesTotal.WithLabelValues(endpoint).Inc()
}

func SetQuotaCriticalPercent(percent int) {
	quotaCriticalPercent.Set(float64(percent))
}

func RecordArchive(reused bool) {
	if reused {
		archivesTotal.WithLabelValues("reused").Inc()
		return
	}
	archivesTotal.WithLabelValues("written").Inc()
}

func RecordBlobOperation(backend, op string, success bool) {
	blobOperationsTotal.WithLabelValues(backend, op, strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(method string, status int) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func SetWSClients(n int) {
	wsClientsActive.Set(float64(n))
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
