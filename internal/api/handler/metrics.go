package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/AuditLedger/internal/verify"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditledger_ingest_queue_depth",
		Help: "Candidates waiting for the ledger writer.",
	})

	entriesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditledger_entries_committed_total",
		Help: "Total entries appended to the ledger.",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditledger_batch_commit_seconds",
		Help:    "Time to sequence, hash, sign and persist one batch.",
		Buckets: prometheus.DefBuckets,
	})

	submitRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_submit_rejected_total",
		Help: "Submissions refused by the ingest queue, by reason.",
	}, []string{"reason"})

	complianceScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditledger_compliance_score",
		Help: "Compliance score of the most recent verification pass.",
	})

	integrityFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_integrity_findings_total",
		Help: "Integrity findings reported by verification passes, by cause.",
	}, []string{"cause"})

	monitorPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_monitor_passes_total",
		Help: "Integrity monitor passes by mode and result.",
	}, []string{"mode", "result"})

	alertDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_alert_deliveries_total",
		Help: "Alert delivery attempts by event type and status.",
	}, []string{"event", "status"})

	archivedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_retention_entries_total",
		Help: "Entries processed by archival runs, by outcome.",
	}, []string{"outcome"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// WriterMetrics records ledger writer activity. It implements
// ingest.MetricsRecorder.
type WriterMetrics struct{}

func (WriterMetrics) QueueDepth(n int) { queueDepth.Set(float64(n)) }

func (WriterMetrics) BatchCommitted(entries int, elapsed time.Duration) {
	entriesCommitted.Add(float64(entries))
	batchDuration.Observe(elapsed.Seconds())
}

func (WriterMetrics) SubmitRejected(reason string) { submitRejected.WithLabelValues(reason).Inc() }

// RecordVerification records the outcome of a verification pass.
func RecordVerification(rep *verify.Report, full bool) {
	mode := "incremental"
	if full {
		mode = "full"
	}
	result := "valid"
	if !rep.Valid {
		result = "invalid"
	}
	monitorPasses.WithLabelValues(mode, result).Inc()
	complianceScore.Set(rep.ComplianceScore)
	for _, f := range rep.Findings {
		integrityFindings.WithLabelValues(string(f.Cause)).Inc()
	}
	if n := len(rep.PayloadIssues); n > 0 {
		integrityFindings.WithLabelValues(verify.PayloadUnreadable).Add(float64(n))
	}
}

// RecordAlertDelivery records an alert delivery attempt.
func RecordAlertDelivery(eventType string, success bool) {
	if success {
		alertDeliveries.WithLabelValues(eventType, "success").Inc()
	} else {
		alertDeliveries.WithLabelValues(eventType, "failure").Inc()
	}
}

// RecordArchive records the outcome of an archival run.
func RecordArchive(archived, skipped int) {
	archivedEntries.WithLabelValues("archived").Add(float64(archived))
	archivedEntries.WithLabelValues("skipped").Add(float64(skipped))
}
