package infrastructure

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var (
	_ events.Publisher    = (*SNSEventForwarder)(nil)
	_ events.EventHandler = (*SNSEventForwarder)(nil)
)

const maxBatchSize = 10

// SNSAPI is the part of the SNS client the forwarder uses
type SNSAPI interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// SNSEventForwarder publishes saga events to an SNS topic. Subscribed to the
// bus it mirrors order announcements to external consumers.
type SNSEventForwarder struct {
	client   SNSAPI
	topicArn string
	logger   zerolog.Logger
}

// NewSNSEventForwarder creates a new SNSEventForwarder
func NewSNSEventForwarder(client SNSAPI, topicArn string, logger zerolog.Logger) *SNSEventForwarder {
	return &SNSEventForwarder{
		client:   client,
		topicArn: topicArn,
		logger:   logger.With().Str("component", "sns_forwarder").Str("topic_arn", topicArn).Logger(),
	}
}

// HandlerID returns the unique identifier for this event handler
func (p *SNSEventForwarder) HandlerID() string {
	return "sns-forwarder"
}

// Handle implements the events.EventHandler interface
func (p *SNSEventForwarder) Handle(ctx context.Context, event *events.Event) error {
	return p.Publish(ctx, event)
}

// Publish publishes events to SNS in batches
func (p *SNSEventForwarder) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	gr, ctx := errgroup.WithContext(ctx)
	for _, batch := range splitToChunks(evts, maxBatchSize) {
		gr.Go(func() error {
			return p.batchPublish(ctx, batch)
		})
	}

	return gr.Wait()
}

func (p *SNSEventForwarder) batchPublish(ctx context.Context, batch []*events.Event) error {
	requests := make([]types.PublishBatchRequestEntry, len(batch))

	for i, event := range batch {
		msg, err := encodeEvent(event)
		if err != nil {
			return errors.Wrapf(err, "event %s", event.ID)
		}

		attrs := map[string]types.MessageAttributeValue{
			"topic": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Topic.String()),
			},
		}
		for k, v := range event.Metadata {
			if strings.HasPrefix(k, "sqs_") || v == "" {
				continue
			}
			attrs[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}

		requests[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(event.ID.String()),
			Message:           aws.String(string(msg)),
			MessageAttributes: attrs,
		}
	}

	res, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicArn),
		PublishBatchRequestEntries: requests,
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish batch to SNS")
	}

	for _, entry := range res.Failed {
		p.logger.Error().
			Str("event_id", aws.ToString(entry.Id)).
			Str("code", aws.ToString(entry.Code)).
			Str("reason", aws.ToString(entry.Message)).
			Msg("SNS rejected event")
	}

	telemetry.RecordCounter(ctx, telemetry.MetricSNSForwarded, "Events forwarded to SNS", int64(len(batch)-len(res.Failed)),
		attribute.Bool("success", true),
	)

	if len(res.Failed) > 0 {
		telemetry.RecordCounter(ctx, telemetry.MetricSNSForwarded, "Events forwarded to SNS", int64(len(res.Failed)),
			attribute.Bool("success", false),
		)
		return errors.Errorf("%d of %d events rejected by SNS", len(res.Failed), len(batch))
	}

	return nil
}

// splitToChunks splits slice into chunks of specified size
func splitToChunks[T any](slice []T, chunkSize int) [][]T {
	var chunks [][]T
	for i := 0; i < len(slice); i += chunkSize {
		end := min(i+chunkSize, len(slice))
		chunks = append(chunks, slice[i:end])
	}
	return chunks
}
