package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EmailsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payinbox_emails_processed_total",
			Help: "Emails handled by the pipeline, by outcome",
		},
		[]string{"outcome"}, // processed, duplicate, failed
	)

	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payinbox_reconciliation_total",
			Help: "Reconciliation verdicts",
		},
		[]string{"outcome"},
	)

	Drafts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payinbox_drafts_total",
			Help: "Stored replies by delivery mode",
		},
		[]string{"mode"}, // auto_sent, draft, send_failed, human_sent
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payinbox_ingest_errors_total",
			Help: "Rows written to the ingest error table",
		},
		[]string{"kind"},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payinbox_external_call_seconds",
			Help:    "Latency of calls to IMAP, OCR, LLM, blob storage and mail providers",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"target", "status"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payinbox_batch_duration_seconds",
			Help:    "Duration of one mailbox batch run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

// ObserveCall records the latency of an external call.
func ObserveCall(target string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ExternalCallDuration.WithLabelValues(target, status).Observe(d.Seconds())
}

func IncEmail(outcome string)      { EmailsProcessed.WithLabelValues(outcome).Inc() }
func IncReconciliation(o string)   { Reconciliations.WithLabelValues(o).Inc() }
func IncDraft(mode string)         { Drafts.WithLabelValues(mode).Inc() }
func IncIngestError(kind string)   { IngestErrors.WithLabelValues(kind).Inc() }
func ObserveBatch(d time.Duration) { BatchDuration.Observe(d.Seconds()) }
