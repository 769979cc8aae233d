package firehose

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsfirehose "github.com/aws/aws-sdk-go-v2/service/firehose"
	ftypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wifi-positioning/scan-ingester/internal/config"
	"github.com/wifi-positioning/scan-ingester/internal/metrics"
	"github.com/wifi-positioning/scan-ingester/internal/transform"
)

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("publisher closed")

// recordSender is the slice of the delivery-stream client the publisher
// uses. The AWS client satisfies it.
type recordSender interface {
	PutRecordBatch(ctx context.Context, params *awsfirehose.PutRecordBatchInput, optFns ...func(*awsfirehose.Options)) (*awsfirehose.PutRecordBatchOutput, error)
}

// Publisher buffers serialized measurements and ships size/count/time
// bounded batches to the delivery stream. Batches with partial failures are
// retried with exponential backoff, resending only the failed entries.
//
// The buffer is swapped out under the mutex and sent outside it, so the
// network never runs under the lock. A full buffer is sent on the
// submitting goroutine, which gives natural backpressure to ingest workers.
type Publisher struct {
	client recordSender
	cfg    config.FirehoseConfig
	logger *zap.Logger

	timeout time.Duration

	mu       sync.Mutex
	buf      []ftypes.Record
	bufBytes int
	oldest   time.Time
	closed   bool

	inflight        sync.WaitGroup
	inflightRecords atomic.Int64
}

func New(client recordSender, cfg config.FirehoseConfig, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		timeout: time.Duration(cfg.BatchTimeoutMs) * time.Millisecond,
	}
}

// Submit serializes one measurement and admits it to the current batch. It
// reports false for records the admission policy drops (oversized). When the
// batch is full it is sent synchronously before the record is admitted;
// delivery failures are counted and logged here, they do not propagate.
func (p *Publisher) Submit(ctx context.Context, m *transform.Measurement) (bool, error) {
	data, err := m.Serialize()
	if err != nil {
		return false, fmt.Errorf("serializing record: %w", err)
	}
	if len(data) > p.cfg.MaxRecordBytes {
		metrics.RecordsFilteredTotal.WithLabelValues("record_too_large").Inc()
		p.logger.Warn("dropping oversized record",
			zap.Int("bytes", len(data)),
			zap.Int("max_record_bytes", p.cfg.MaxRecordBytes),
			zap.String("bssid", m.BSSID),
		)
		return false, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrClosed
	}
	var full []ftypes.Record
	if len(p.buf)+1 > p.cfg.MaxBatchRecords || p.bufBytes+len(data) > p.cfg.MaxBatchBytes {
		full = p.takeLocked()
	}
	p.buf = append(p.buf, ftypes.Record{Data: data})
	p.bufBytes += len(data)
	if len(p.buf) == 1 {
		p.oldest = time.Now()
	}
	p.mu.Unlock()

	if full != nil {
		if err := p.sendWithRetry(ctx, full); err != nil {
			p.logger.Error("batch delivery failed", zap.Error(err))
		}
	}
	return true, nil
}

// Flush drains everything currently buffered and sends it, waiting for the
// retries.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.takeLocked()
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return p.sendWithRetry(ctx, batch)
}

// Close flushes synchronously, waits for in-flight sends up to the context
// deadline, and rejects further submissions. Records still unconfirmed when
// the deadline expires are abandoned and counted.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	batch := p.takeLocked()
	p.mu.Unlock()

	var flushErr error
	if len(batch) > 0 {
		flushErr = p.sendWithRetry(ctx, batch)
	}

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		abandoned := p.inflightRecords.Load()
		metrics.ShutdownAbandonedTotal.Add(float64(abandoned))
		p.logger.Warn("abandoning in-flight records at shutdown deadline",
			zap.Int64("records", abandoned),
		)
	}
	return flushErr
}

// IsOpen reports whether Submit still accepts records.
func (p *Publisher) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Run owns the background flush timer: whenever the oldest buffered record
// has waited at least the batch timeout, the buffer is flushed. Returns when
// ctx is cancelled; the final drain belongs to Close.
func (p *Publisher) Run(ctx context.Context) {
	interval := p.timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			var batch []ftypes.Record
			if len(p.buf) > 0 && time.Since(p.oldest) >= p.timeout {
				batch = p.takeLocked()
			}
			p.mu.Unlock()

			if len(batch) > 0 {
				if err := p.sendWithRetry(ctx, batch); err != nil {
					p.logger.Error("timer flush failed", zap.Error(err))
				}
			}
		}
	}
}

// takeLocked swaps the buffer out. Callers hold p.mu.
func (p *Publisher) takeLocked() []ftypes.Record {
	batch := p.buf
	p.buf = nil
	p.bufBytes = 0
	p.oldest = time.Time{}
	return batch
}

// sendWithRetry delivers one batch. Entries that fail with a retryable
// per-record error are resent alone after backoff, up to maxRetries; a
// non-retryable call error drops the batch.
func (p *Publisher) sendWithRetry(ctx context.Context, records []ftypes.Record) error {
	p.inflight.Add(1)
	p.inflightRecords.Add(int64(len(records)))
	defer func() {
		p.inflightRecords.Add(-int64(len(records)))
		p.inflight.Done()
	}()

	start := time.Now()
	defer func() {
		metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}()

	var batchBytes int
	for _, r := range records {
		batchBytes += len(r.Data)
	}
	metrics.FirehoseBatchRecords.Observe(float64(len(records)))
	metrics.FirehoseBatchBytes.Observe(float64(batchBytes))

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(p.cfg.BaseBackoffMs) * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	pending := records
	for attempt := 0; ; attempt++ {
		failed, err := p.sendOnce(ctx, pending)
		switch {
		case err != nil:
			kind, retryable := classifySendError(err)
			if !retryable {
				metrics.FirehoseBatchesTotal.WithLabelValues("failed").Inc()
				metrics.FirehoseRecordsTotal.WithLabelValues("failed").Add(float64(len(pending)))
				p.logger.Error("dropping batch after permanent send error",
					zap.Int("records", len(pending)),
					zap.String("kind", kind),
					zap.Error(err),
				)
				return fmt.Errorf("permanent send error: %w", err)
			}
			metrics.FirehoseRetryableErrorsTotal.WithLabelValues(kind).Inc()
			p.logger.Warn("retryable send error",
				zap.Int("records", len(pending)),
				zap.Int("attempt", attempt),
				zap.String("kind", kind),
				zap.Error(err),
			)

		case len(failed) == 0:
			metrics.FirehoseBatchesTotal.WithLabelValues("ok").Inc()
			metrics.FirehoseRecordsTotal.WithLabelValues("delivered").Add(float64(len(pending)))
			return nil

		default:
			metrics.FirehoseBatchesTotal.WithLabelValues("partial_retry").Inc()
			metrics.FirehoseRecordsTotal.WithLabelValues("delivered").Add(float64(len(pending) - len(failed)))
			metrics.FirehoseRecordsTotal.WithLabelValues("retried").Add(float64(len(failed)))
			p.logger.Warn("partial batch failure",
				zap.Int("failed", len(failed)),
				zap.Int("sent", len(pending)-len(failed)),
				zap.Int("attempt", attempt),
			)
			pending = failed
		}

		if attempt >= p.cfg.MaxRetries {
			metrics.FirehoseRecordsTotal.WithLabelValues("failed").Add(float64(len(pending)))
			p.logger.Error("dropping records after exhausting retries",
				zap.Int("records", len(pending)),
				zap.Int("max_retries", p.cfg.MaxRetries),
			)
			return fmt.Errorf("batch not delivered after %d retries", p.cfg.MaxRetries)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// sendOnce performs a single batch call and returns the entries the service
// rejected.
func (p *Publisher) sendOnce(ctx context.Context, records []ftypes.Record) ([]ftypes.Record, error) {
	out, err := p.client.PutRecordBatch(ctx, &awsfirehose.PutRecordBatchInput{
		DeliveryStreamName: aws.String(p.cfg.DeliveryStream),
		Records:            records,
	})
	if err != nil {
		return nil, err
	}
	if out.FailedPutCount == nil || *out.FailedPutCount == 0 {
		return nil, nil
	}

	failed := make([]ftypes.Record, 0, *out.FailedPutCount)
	for i, resp := range out.RequestResponses {
		if i >= len(records) {
			break
		}
		if resp.ErrorCode != nil && *resp.ErrorCode != "" {
			failed = append(failed, records[i])
		}
	}
	return failed, nil
}

// classifySendError maps a whole-call error onto a retry decision.
// Service-unavailable, throttling, 5xx and network/timeout errors are
// retryable; other client errors are not.
func classifySendError(err error) (string, bool) {
	if errors.Is(err, context.Canceled) {
		return "cancelled", false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", true
	}

	var sue *ftypes.ServiceUnavailableException
	if errors.As(err, &sue) {
		return "service_unavailable", true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case strings.Contains(code, "Throttling"), code == "TooManyRequestsException", code == "LimitExceededException":
			return "throttling", true
		case code == "ServiceUnavailable", code == "ServiceUnavailableException":
			return "service_unavailable", true
		case code == "InternalFailure", code == "InternalServerError":
			return "internal", true
		}

		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) {
			status := respErr.HTTPStatusCode()
			switch {
			case status == 503:
				return "service_unavailable", true
			case status == 429:
				return "throttling", true
			case status >= 500:
				return "internal", true
			}
		}

		if apiErr.ErrorFault() == smithy.FaultServer {
			return "internal", true
		}
		return "invalid_argument", false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", true
	}
	// Anything else reaching here is transport-level.
	return "network", true
}
