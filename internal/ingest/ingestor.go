package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wifi-positioning/scan-ingester/internal/bundle"
	"github.com/wifi-positioning/scan-ingester/internal/config"
	"github.com/wifi-positioning/scan-ingester/internal/event"
	"github.com/wifi-positioning/scan-ingester/internal/metrics"
	"github.com/wifi-positioning/scan-ingester/internal/transform"
)

// objectFetcher is the slice of the object-store client the ingestor uses.
// The AWS client satisfies it.
type objectFetcher interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Publisher admits serialized measurements for delivery. Admission is not an
// ack; the publisher owns delivery and its retries.
type Publisher interface {
	Submit(ctx context.Context, m *transform.Measurement) (bool, error)
}

// Ingestor processes one upload notification end to end: validate the event,
// stream the object, decode line by line, transform, and hand records to the
// publisher. A nil error means the full stream was consumed and every
// produced record was accepted.
type Ingestor struct {
	store       objectFetcher
	transformer *transform.Transformer
	publisher   Publisher
	s3cfg       config.S3Config
	maxInflated int64
	logger      *zap.Logger
}

func New(store objectFetcher, transformer *transform.Transformer, publisher Publisher, s3cfg config.S3Config, decodeCfg config.DecodeConfig, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		store:       store,
		transformer: transformer,
		publisher:   publisher,
		s3cfg:       s3cfg,
		maxInflated: decodeCfg.MaxInflatedBytes,
		logger:      logger,
	}
}

// Process ingests one upload event. Per-line decode failures and per-record
// filter rejections are counted and skipped; validation failures, oversized
// payloads, read failures and publisher errors fail the whole object.
func (ing *Ingestor) Process(ctx context.Context, ev *event.UploadEvent) error {
	if err := ev.Validate(time.Now()); err != nil {
		metrics.UploadEventsTotal.WithLabelValues("invalid").Inc()
		return err
	}
	if ev.ObjectSize > ing.s3cfg.MaxObjectBytes {
		metrics.UploadEventsTotal.WithLabelValues("too_large").Inc()
		return fmt.Errorf("%w: declared size %d exceeds %d bytes",
			bundle.ErrPayloadTooLarge, ev.ObjectSize, ing.s3cfg.MaxObjectBytes)
	}

	pctx := &transform.ProcessingContext{
		BatchID:    uuid.NewString(),
		StreamName: ev.StreamName(),
		ObjectKey:  ev.DecodedKey(),
		StartTs:    time.Now(),
	}
	logger := ing.logger.With(
		zap.String("batch_id", pctx.BatchID),
		zap.String("bucket", ev.Bucket),
		zap.String("key", pctx.ObjectKey),
		zap.String("stream", pctx.StreamName),
	)

	start := time.Now()
	defer func() {
		metrics.ObjectProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := ing.openObject(ctx, ev.Bucket, pctx.ObjectKey, logger)
	if err != nil {
		metrics.UploadEventsTotal.WithLabelValues("fetch_error").Inc()
		logger.Error("object fetch failed", zap.Error(err))
		return fmt.Errorf("fetching s3://%s/%s: %w", ev.Bucket, pctx.ObjectKey, err)
	}
	defer body.Close()

	dec, err := bundle.NewDecoder(body, ev.ObjectSize, ing.s3cfg.MaxObjectBytes, ing.maxInflated, logger)
	if err != nil {
		metrics.UploadEventsTotal.WithLabelValues("too_large").Inc()
		return err
	}

	var produced, admitted int
	for {
		b, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, bundle.ErrPayloadTooLarge) {
				metrics.UploadEventsTotal.WithLabelValues("too_large").Inc()
			} else {
				metrics.UploadEventsTotal.WithLabelValues("read_error").Inc()
			}
			logger.Error("object stream aborted", zap.Error(err))
			return err
		}

		measurements, err := ing.transformer.Apply(b, pctx)
		if err != nil {
			// Only a nil bundle trips this and the decoder never yields one.
			logger.Warn("skipping bundle", zap.Error(err))
			continue
		}
		for _, m := range measurements {
			produced++
			ok, err := ing.publisher.Submit(ctx, m)
			if err != nil {
				metrics.UploadEventsTotal.WithLabelValues("publish_error").Inc()
				logger.Error("record submission failed", zap.Error(err))
				return fmt.Errorf("submitting record: %w", err)
			}
			if ok {
				admitted++
				metrics.RecordsEmittedTotal.WithLabelValues("admitted").Inc()
			} else {
				metrics.RecordsEmittedTotal.WithLabelValues("dropped").Inc()
			}
		}
	}

	stats := dec.Stats()
	metrics.UploadEventsTotal.WithLabelValues("ok").Inc()
	metrics.LastUploadTimestamp.SetToCurrentTime()
	logger.Info("object processed",
		zap.Int64("bundles", stats.Decoded),
		zap.Int64("lines_skipped", stats.Skipped()),
		zap.Int("records_produced", produced),
		zap.Int("records_admitted", admitted),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// openObject issues the streaming GET and wraps the body so that mid-stream
// read failures resume with a ranged request, bounded by s3.read_retries.
func (ing *Ingestor) openObject(ctx context.Context, bucket, key string, logger *zap.Logger) (io.ReadCloser, error) {
	out, err := ing.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return &resumingReader{
		ctx:     ctx,
		store:   ing.store,
		bucket:  bucket,
		key:     key,
		body:    out.Body,
		retries: ing.s3cfg.ReadRetries,
		logger:  logger,
	}, nil
}

// resumingReader re-opens the object at the current offset when a read
// fails mid-stream. Retries are counted per object, not per call.
type resumingReader struct {
	ctx     context.Context
	store   objectFetcher
	bucket  string
	key     string
	body    io.ReadCloser
	offset  int64
	used    int
	retries int
	logger  *zap.Logger
}

func (r *resumingReader) Read(p []byte) (int, error) {
	for {
		n, err := r.body.Read(p)
		r.offset += int64(n)
		if n > 0 {
			metrics.ObjectBytesReadTotal.Add(float64(n))
		}
		if err == nil || errors.Is(err, io.EOF) {
			return n, err
		}
		if r.used >= r.retries {
			return n, err
		}
		r.used++
		r.logger.Warn("object read failed, resuming with range request",
			zap.Int64("offset", r.offset),
			zap.Int("attempt", r.used),
			zap.Error(err),
		)
		if rerr := r.reopen(); rerr != nil {
			return n, fmt.Errorf("resuming read at offset %d: %w", r.offset, rerr)
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (r *resumingReader) reopen() error {
	r.body.Close()
	out, err := r.store.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-", r.offset)),
	})
	if err != nil {
		return err
	}
	r.body = out.Body
	return nil
}

func (r *resumingReader) Close() error {
	return r.body.Close()
}
