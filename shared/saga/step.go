package saga

import (
	"context"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Matcher inspects a trigger event. It returns the order the step must act on
// and whether the event satisfies the step's trigger condition.
type Matcher func(event *events.Event) (orderID models.ID, triggered bool, err error)

// OutcomeBuilder builds the single outcome event a step publishes
type OutcomeBuilder func(orderID models.ID, success bool) *events.Event

// StepConfig describes a step collaborator
type StepConfig struct {
	Name    string
	Trigger events.Topic
	Match   Matcher
	Outcome OutcomeBuilder
}

// Step is the reactive shape shared by the saga's step collaborators: consume
// one upstream topic, run an external effect through a Decider and publish
// exactly one outcome event per matching trigger.
type Step struct {
	config    StepConfig
	decider   Decider
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewStep creates a step collaborator
func NewStep(config StepConfig, decider Decider, publisher events.Publisher, logger zerolog.Logger) *Step {
	return &Step{
		config:    config,
		decider:   decider,
		publisher: publisher,
		logger:    logger.With().Str("component", config.Name+"_step").Logger(),
	}
}

// HandlerID returns the unique identifier for this event handler
func (s *Step) HandlerID() string {
	return s.config.Name + "-step"
}

// Trigger returns the topic the step consumes
func (s *Step) Trigger() events.Topic {
	return s.config.Trigger
}

// Register subscribes the step to its trigger topic
func (s *Step) Register(subscriber events.Subscriber) {
	subscriber.Subscribe(s.config.Trigger, s)
}

// Handle implements the events.EventHandler interface
func (s *Step) Handle(ctx context.Context, event *events.Event) error {
	if event.Topic != s.config.Trigger {
		return nil
	}

	orderID, triggered, err := s.config.Match(event)
	if err != nil {
		return errors.Wrapf(err, "%s step: unreadable trigger event %s", s.config.Name, event.ID)
	}
	if !triggered {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, s.config.Name+".step",
		trace.WithAttributes(
			attribute.String("order.id", orderID.String()),
			attribute.String("step", s.config.Name),
		),
	)
	defer span.End()

	success, err := s.decider.Decide(ctx, orderID)
	if err != nil {
		// An unknown outcome is reported as a failure so the saga still
		// receives exactly one outcome for this trigger.
		span.RecordError(err)
		s.logger.Warn().
			Err(err).
			Str("order_id", orderID.String()).
			Msg("step decision failed, reporting failure outcome")
		success = false
	}

	telemetry.RecordCounter(ctx, telemetry.MetricStepOutcomes, "Outcomes published by saga steps", 1,
		attribute.String("step", s.config.Name),
		attribute.Bool("success", success),
	)

	outcome := s.config.Outcome(orderID, success).
		WithMetadata(events.MetadataSource, s.config.Name)

	s.logger.Debug().
		Str("order_id", orderID.String()).
		Bool("success", success).
		Msg("publishing step outcome")

	if err := s.publisher.Publish(ctx, outcome); err != nil {
		return errors.Wrapf(err, "%s step: failed to publish outcome for order %s", s.config.Name, orderID)
	}

	return nil
}
