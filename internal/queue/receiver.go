package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/wifi-positioning/scan-ingester/internal/config"
	"github.com/wifi-positioning/scan-ingester/internal/event"
	"github.com/wifi-positioning/scan-ingester/internal/metrics"
)

// Delay before the next long-poll after a receive error, so a broken queue
// does not spin the loop.
const receiveErrorDelay = time.Second

// queueClient is the slice of the queue API the receiver uses. The AWS
// client satisfies it.
type queueClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Processor handles one extracted upload event. A nil return lets the
// carrying queue message be deleted.
type Processor interface {
	Process(ctx context.Context, ev *event.UploadEvent) error
}

// State is the receiver lifecycle position.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Receiver long-polls the upload queue and dispatches extracted events to
// the processor under a bounded worker pool. A message is deleted only when
// every event it carried was processed successfully; parse failures and
// invalid events are poison and deleted by default.
//
// Start and Stop are idempotent. Stop stops fetching, drains in-flight
// messages until its context expires, then aborts what remains.
type Receiver struct {
	client queueClient
	proc   Processor
	cfg    config.SQSConfig
	logger *zap.Logger

	slots chan struct{}

	mu         sync.Mutex
	state      State
	loopCancel context.CancelFunc
	workCancel context.CancelFunc
	loopDone   chan struct{}
	stopped    chan struct{}
	wg         sync.WaitGroup
}

func NewReceiver(client queueClient, proc Processor, cfg config.SQSConfig, logger *zap.Logger) *Receiver {
	return &Receiver{
		client: client,
		proc:   proc,
		cfg:    cfg,
		logger: logger,
		slots:  make(chan struct{}, cfg.MaxConcurrentBatches),
	}
}

// Start launches the poll loop. Calling Start on a running or stopping
// receiver is a no-op; a stopped receiver starts fresh.
func (r *Receiver) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning || r.state == StateStopping {
		return
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())
	r.loopCancel = loopCancel
	r.workCancel = workCancel
	r.loopDone = make(chan struct{})
	r.stopped = make(chan struct{})
	r.state = StateRunning

	go r.loop(loopCtx, workCtx)
}

// Stop transitions to Stopping, drains in-flight work, and reports Stopped.
// The context bounds the drain; at its deadline remaining work is cancelled
// and left for queue redelivery. Safe to call repeatedly and concurrently.
func (r *Receiver) Stop(ctx context.Context) {
	r.mu.Lock()
	switch r.state {
	case StateIdle:
		r.state = StateStopped
		r.mu.Unlock()
		return
	case StateStopped:
		r.mu.Unlock()
		return
	case StateStopping:
		stopped := r.stopped
		r.mu.Unlock()
		select {
		case <-stopped:
		case <-ctx.Done():
		}
		return
	}
	r.state = StateStopping
	loopCancel, workCancel := r.loopCancel, r.workCancel
	loopDone, stopped := r.loopDone, r.stopped
	r.mu.Unlock()

	r.logger.Info("receiver stopping")
	loopCancel()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		r.logger.Warn("stop deadline reached, aborting in-flight messages")
		workCancel()
		<-drained
	}
	workCancel()

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	close(stopped)
	r.logger.Info("receiver stopped")
}

func (r *Receiver) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRunning
}

func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// loop long-polls until loopCtx is cancelled. Workers run on workCtx so a
// graceful stop can halt polling while in-flight messages finish.
func (r *Receiver) loop(loopCtx, workCtx context.Context) {
	defer close(r.loopDone)
	r.logger.Info("receiver started",
		zap.String("queue_url", r.cfg.QueueURL),
		zap.Int32("max_messages", r.cfg.MaxMessages),
		zap.Int("max_concurrent_batches", r.cfg.MaxConcurrentBatches),
	)

	for {
		out, err := r.client.ReceiveMessage(loopCtx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.cfg.QueueURL),
			MaxNumberOfMessages: r.cfg.MaxMessages,
			WaitTimeSeconds:     r.cfg.WaitTimeSeconds,
			VisibilityTimeout:   r.cfg.VisibilityTimeoutSeconds,
		})
		if err != nil {
			if loopCtx.Err() != nil {
				return
			}
			r.logger.Error("receive failed", zap.Error(err))
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(receiveErrorDelay):
			}
			continue
		}

		for _, msg := range out.Messages {
			metrics.QueueMessagesTotal.WithLabelValues("received").Inc()
			// Saturated pool blocks here: no further fetching, no drops.
			select {
			case r.slots <- struct{}{}:
			case <-loopCtx.Done():
				return
			}
			r.wg.Add(1)
			go func(msg sqstypes.Message) {
				defer func() {
					<-r.slots
					r.wg.Done()
				}()
				r.handleMessage(workCtx, msg)
			}(msg)
		}

		select {
		case <-loopCtx.Done():
			return
		default:
		}
	}
}

// handleMessage parses one queue message and processes every event it
// carries. Deletion policy: delete on full success; delete poison (bad
// envelope, invalid event) when delete_on_parse_failure is set; keep
// everything else for redelivery.
func (r *Receiver) handleMessage(ctx context.Context, msg sqstypes.Message) {
	metrics.InflightBatches.Inc()
	defer metrics.InflightBatches.Dec()

	logger := r.logger.With(zap.String("message_id", aws.ToString(msg.MessageId)))

	events, err := event.ParseNotification([]byte(aws.ToString(msg.Body)), r.cfg.ExpectedEventSource)
	if err != nil {
		metrics.QueueMessagesTotal.WithLabelValues("parse_failed").Inc()
		logger.Warn("unparseable queue message", zap.Error(err))
		if r.cfg.DeleteOnParseFailure {
			r.deleteMessage(ctx, msg, logger)
		}
		return
	}

	var poison, transient int
	for i := range events {
		err := r.proc.Process(ctx, &events[i])
		switch {
		case err == nil:
		case errors.Is(err, event.ErrInvalidEvent):
			poison++
			logger.Warn("invalid upload event", zap.Error(err))
		default:
			transient++
			logger.Warn("event processing failed, leaving message for redelivery", zap.Error(err))
		}
	}

	switch {
	case transient > 0:
		metrics.QueueMessagesTotal.WithLabelValues("process_failed").Inc()
	case poison > 0:
		metrics.QueueMessagesTotal.WithLabelValues("process_failed").Inc()
		if r.cfg.DeleteOnParseFailure {
			r.deleteMessage(ctx, msg, logger)
		}
	default:
		metrics.QueueMessagesTotal.WithLabelValues("processed").Inc()
		r.deleteMessage(ctx, msg, logger)
	}
}

// deleteMessage is best effort: a failed delete means a redelivered
// duplicate, which downstream dedupes.
func (r *Receiver) deleteMessage(ctx context.Context, msg sqstypes.Message, logger *zap.Logger) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		logger.Warn("delete failed, message will be redelivered", zap.Error(err))
		return
	}
	metrics.QueueMessagesTotal.WithLabelValues("deleted").Inc()
}
