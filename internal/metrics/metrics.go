package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaningester_queue_messages_total",
			Help: "Queue messages by outcome (received, processed, deleted, parse_failed, process_failed).",
		},
		[]string{"result"},
	)

	UploadEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaningester_upload_events_total",
			Help: "Upload notifications by outcome.",
		},
		[]string{"result"},
	)

	ObjectBytesReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scaningester_object_bytes_read_total",
			Help: "Raw bytes read from upload objects.",
		},
	)

	DecodeLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaningester_decode_lines_total",
			Help: "Payload lines by decode outcome.",
		},
		[]string{"result"},
	)

	RecordsFilteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaningester_records_filtered_total",
			Help: "Scan records dropped during transform, by reason.",
		},
		[]string{"reason"},
	)

	RecordsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaningester_records_emitted_total",
			Help: "Measurement records handed to the publisher, by delivery status.",
		},
		[]string{"status"},
	)

	HotspotDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaningester_hotspot_detections_total",
			Help: "Mobile hotspot detections by configured action.",
		},
		[]string{"action"},
	)

	FirehoseBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaningester_firehose_batches_total",
			Help: "Delivery batches by outcome (ok, partial_retry, failed).",
		},
		[]string{"result"},
	)

	FirehoseRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaningester_firehose_records_total",
			Help: "Delivery records by outcome (delivered, retried, failed).",
		},
		[]string{"result"},
	)

	FirehoseRetryableErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaningester_firehose_retryable_errors_total",
			Help: "Retryable delivery errors by classification.",
		},
		[]string{"type"},
	)

	FirehoseBatchRecords = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scaningester_firehose_batch_records",
			Help:    "Records per flushed batch.",
			Buckets: []float64{1, 10, 50, 100, 250, 500},
		},
	)

	FirehoseBatchBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scaningester_firehose_batch_bytes",
			Help:    "Bytes per flushed batch.",
			Buckets: []float64{1024, 10240, 102400, 524288, 1048576, 2097152, 4194304},
		},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scaningester_firehose_flush_duration_seconds",
			Help:    "Batch flush latency including retries.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
	)

	ObjectProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scaningester_object_processing_duration_seconds",
			Help:    "End-to-end latency per storage object (fetch, decode, transform, submit).",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	InflightBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scaningester_inflight_batches",
			Help: "Queue message batches currently being processed.",
		},
	)

	LastUploadTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scaningester_last_upload_timestamp_seconds",
			Help: "Unix timestamp of the last successfully processed upload.",
		},
	)

	ShutdownAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scaningester_shutdown_abandoned_total",
			Help: "Buffered records abandoned because shutdown exceeded its deadline.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueueMessagesTotal,
			UploadEventsTotal,
			ObjectBytesReadTotal,
			DecodeLinesTotal,
			RecordsFilteredTotal,
			RecordsEmittedTotal,
			HotspotDetectionsTotal,
			FirehoseBatchesTotal,
			FirehoseRecordsTotal,
			FirehoseRetryableErrorsTotal,
			FirehoseBatchRecords,
			FirehoseBatchBytes,
			FlushDuration,
			ObjectProcessingDuration,
			InflightBatches,
			LastUploadTimestamp,
			ShutdownAbandonedTotal,
		)
	})
}
