package infrastructure

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	SQSMessageIDKey     = "sqs_message_id"
	SQSReceiptHandleKey = "sqs_receipt_handle"
)

// SQSAPI is the part of the SQS client the subscriber uses
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type sqsMessage struct {
	Message types.Message
	Event   *events.Event
}

type sqsSubscriberOptions struct {
	workers                    int
	readers                    int
	maxNumberOfMessages        int32
	waitTimeSeconds            int32
	visibilityTimeout          int32
	sleepTimeAfterEmptyReceive time.Duration
	sleepTimeAfterError        time.Duration
	receiveCountRange          int32
	visibilityTimeoutOffset    int32
	maxVisibilityTimeout       int32
	topics                     []events.Topic
}

type SQSSubscriberOption func(*sqsSubscriberOptions)

func WithWorkers(workers int) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.workers = workers
	}
}

func WithReaders(readers int) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.readers = readers
	}
}

func WithVisibilityTimeout(timeout int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.visibilityTimeout = timeout
	}
}

// WithPolling sets the long-poll wait and the pauses after empty or failed receives
func WithPolling(waitTimeSeconds int32, afterEmpty, afterError time.Duration) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.waitTimeSeconds = waitTimeSeconds
		o.sleepTimeAfterEmptyReceive = afterEmpty
		o.sleepTimeAfterError = afterError
	}
}

// WithAcceptedTopics replaces the topics republished on the bus
func WithAcceptedTopics(topics ...events.Topic) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.topics = topics
	}
}

// SQSOutcomeSubscriber long-polls an SQS queue for step outcomes produced by
// external services and republishes them on the bus. Messages are deleted once
// the bus accepted them; on failure their visibility is extended so SQS
// redelivers them later. Messages on other topics are discarded.
type SQSOutcomeSubscriber struct {
	mux     sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running atomic.Bool
	options *sqsSubscriberOptions
	accept  map[events.Topic]bool

	client    SQSAPI
	queueURL  string
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewSQSOutcomeSubscriber creates a new SQS outcome subscriber
func NewSQSOutcomeSubscriber(
	client SQSAPI,
	queueURL string,
	publisher events.Publisher,
	logger zerolog.Logger,
	opts ...SQSSubscriberOption,
) *SQSOutcomeSubscriber {
	options := &sqsSubscriberOptions{
		workers:                    4,
		readers:                    1,
		maxNumberOfMessages:        10,
		waitTimeSeconds:            15,
		visibilityTimeout:          30,
		sleepTimeAfterEmptyReceive: time.Second,
		sleepTimeAfterError:        5 * time.Second,
		receiveCountRange:          3,
		visibilityTimeoutOffset:    30,
		maxVisibilityTimeout:       900, // 15 minutes
		topics:                     []events.Topic{events.PaymentTopic, events.InventoryTopic},
	}

	for _, opt := range opts {
		opt(options)
	}

	accept := make(map[events.Topic]bool, len(options.topics))
	for _, topic := range options.topics {
		accept[topic] = true
	}

	return &SQSOutcomeSubscriber{
		client:    client,
		queueURL:  queueURL,
		publisher: publisher,
		options:   options,
		accept:    accept,
		logger:    logger.With().Str("component", "sqs_subscriber").Str("queue_url", queueURL).Logger(),
	}
}

// Start launches the readers and workers. It returns immediately.
func (s *SQSOutcomeSubscriber) Start(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.running.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	inbound := make(chan *sqsMessage, s.options.workers)
	group := &errgroup.Group{}

	for i := 0; i < s.options.workers; i++ {
		group.Go(func() error {
			s.startWorker(ctx, inbound)
			return nil
		})
	}

	for i := 0; i < s.options.readers; i++ {
		group.Go(func() error {
			s.startReader(ctx, inbound)
			return nil
		})
	}

	s.cancel = cancel
	s.group = group
	s.running.Store(true)

	s.logger.Info().Int("workers", s.options.workers).Int("readers", s.options.readers).Msg("SQS subscriber started")

	return nil
}

// Stop cancels polling and waits for in-flight messages, or for ctx
func (s *SQSOutcomeSubscriber) Stop(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if !s.running.Load() {
		return nil
	}

	s.cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.group.Wait()
	}()

	s.cancel = nil
	s.running.Store(false)

	select {
	case err := <-done:
		s.logger.Info().Msg("SQS subscriber stopped")
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "SQS subscriber stop interrupted")
	}
}

func (s *SQSOutcomeSubscriber) startWorker(ctx context.Context, inbound <-chan *sqsMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-inbound:
			s.handle(ctx, message)
		}
	}
}

func (s *SQSOutcomeSubscriber) startReader(ctx context.Context, inbound chan<- *sqsMessage) {
	for {
		if ctx.Err() != nil {
			return
		}

		received, err := s.read(ctx, inbound)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Error().Err(err).Msg("SQS receive failed")
			sleep(ctx, s.options.sleepTimeAfterError)
		case err == nil && received == 0:
			sleep(ctx, s.options.sleepTimeAfterEmptyReceive)
		}
	}
}

func (s *SQSOutcomeSubscriber) read(ctx context.Context, inbound chan<- *sqsMessage) (int, error) {
	output, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.options.maxNumberOfMessages,
		WaitTimeSeconds:     s.options.waitTimeSeconds,
		VisibilityTimeout:   s.options.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to receive message from SQS")
	}

	for _, message := range output.Messages {
		event, err := decodeEvent([]byte(aws.ToString(message.Body)))
		if err != nil {
			s.logger.Warn().Err(err).Str("message_id", aws.ToString(message.MessageId)).Msg("discarding malformed message")
			s.discard(ctx, message, "malformed")
			continue
		}

		event.Metadata[SQSMessageIDKey] = aws.ToString(message.MessageId)
		if message.ReceiptHandle != nil {
			event.Metadata[SQSReceiptHandleKey] = *message.ReceiptHandle
		}
		for k, v := range message.MessageAttributes {
			if v.StringValue != nil && k != "topic" {
				event.Metadata[k] = *v.StringValue
			}
		}

		select {
		case inbound <- &sqsMessage{Message: message, Event: event}:
		case <-ctx.Done():
			return len(output.Messages), ctx.Err()
		}
	}

	return len(output.Messages), nil
}

func (s *SQSOutcomeSubscriber) handle(ctx context.Context, message *sqsMessage) {
	event := message.Event

	if !s.accept[event.Topic] {
		s.logger.Debug().Str("topic", event.Topic.String()).Str("event_id", event.ID.String()).Msg("discarding event on foreign topic")
		s.discard(ctx, message.Message, "foreign_topic")
		return
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error().
			Err(err).
			Str("event_id", event.ID.String()).
			Str("order_id", event.AggregateID.String()).
			Msg("failed to publish SQS message on bus")
		s.record(ctx, "retry")
		if err := s.extendVisibility(ctx, message.Message); err != nil {
			s.logger.Error().Err(err).Msg("failed to extend visibility timeout")
		}
		return
	}

	s.record(ctx, "published")
	if err := s.delete(ctx, message.Message); err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to delete message")
	}
}

func (s *SQSOutcomeSubscriber) discard(ctx context.Context, message types.Message, reason string) {
	s.record(ctx, reason)
	if err := s.delete(ctx, message); err != nil {
		s.logger.Error().Err(err).Str("message_id", aws.ToString(message.MessageId)).Msg("failed to delete message")
	}
}

func (s *SQSOutcomeSubscriber) delete(ctx context.Context, message types.Message) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: message.ReceiptHandle,
	})
	if err != nil {
		return errors.Wrap(err, "failed to delete message from SQS")
	}
	return nil
}

// extendVisibility backs the message off further the more often it was received
func (s *SQSOutcomeSubscriber) extendVisibility(ctx context.Context, message types.Message) error {
	receiveCount, err := strconv.Atoi(message.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		receiveCount = 1
	}

	visibilityTimeout := s.options.visibilityTimeout
	visibilityTimeout += (int32(receiveCount) / s.options.receiveCountRange) * s.options.visibilityTimeoutOffset
	visibilityTimeout = min(visibilityTimeout, s.options.maxVisibilityTimeout)

	_, err = s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.queueURL),
		ReceiptHandle:     message.ReceiptHandle,
		VisibilityTimeout: visibilityTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "failed to extend visibility timeout")
	}

	return nil
}

func (s *SQSOutcomeSubscriber) record(ctx context.Context, result string) {
	telemetry.RecordCounter(ctx, telemetry.MetricSQSMessages, "SQS messages consumed by result", 1,
		attribute.String("result", result),
	)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
