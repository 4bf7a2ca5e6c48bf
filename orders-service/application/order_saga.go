package application

import (
	"context"
	"strings"

	"github.com/draftea/order-saga/orders-service/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Cancellation reasons carried in the CANCELLED event metadata
const (
	ReasonPaymentFailed   = "payment_failed"
	ReasonInventoryFailed = "inventory_failed"
)

// CreateOrderCommand represents the command to create an order
type CreateOrderCommand struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	// Created is false when the idempotency key matched an existing order
	Created bool `json:"-"`
}

// OrderSaga orchestrates the order lifecycle. It creates orders, listens to
// the payment and inventory outcomes and drives each order to a terminal
// status, publishing a cancellation when a step fails.
type OrderSaga struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
	reporter        InconsistencyReporter
	logger          zerolog.Logger
}

// SagaOption configures an OrderSaga
type SagaOption func(*OrderSaga)

// WithInconsistencyReporter replaces the default log reporter
func WithInconsistencyReporter(reporter InconsistencyReporter) SagaOption {
	return func(s *OrderSaga) {
		s.reporter = reporter
	}
}

// NewOrderSaga creates a new OrderSaga
func NewOrderSaga(
	orderRepository domain.OrderRepository,
	eventPublisher events.Publisher,
	logger zerolog.Logger,
	opts ...SagaOption,
) *OrderSaga {
	s := &OrderSaga{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
		logger:          logger.With().Str("component", "order_saga").Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.reporter == nil {
		s.reporter = NewLogInconsistencyReporter(logger)
	}

	return s
}

// HandlerID returns the unique identifier for this event handler
func (s *OrderSaga) HandlerID() string {
	return "order-saga-orchestrator"
}

// Register subscribes the orchestrator to the step outcome topics
func (s *OrderSaga) Register(subscriber events.Subscriber) {
	subscriber.Subscribe(events.PaymentTopic, s)
	subscriber.Subscribe(events.InventoryTopic, s)
}

// Handle implements the events.EventHandler interface
func (s *OrderSaga) Handle(ctx context.Context, event *events.Event) error {
	switch event.Topic {
	case events.PaymentTopic:
		return s.HandlePaymentEvent(ctx, event)
	case events.InventoryTopic:
		return s.HandleInventoryEvent(ctx, event)
	default:
		return nil
	}
}

// CreateOrder stores a new order in CREATED status and starts its saga. The
// order is visible in the store before the CREATED event is published.
func (s *OrderSaga) CreateOrder(ctx context.Context, cmd *CreateOrderCommand) (*CreateOrderResponse, error) {
	if cmd == nil {
		cmd = &CreateOrderCommand{}
	}

	ctx, span := telemetry.StartSpan(ctx, "order_saga.create_order")
	defer span.End()

	order, err := domain.CreateOrder(strings.TrimSpace(cmd.IdempotencyKey))
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to create order")
	}

	stored, created, err := s.orderRepository.Create(ctx, order)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to save order")
	}

	span.SetAttributes(attribute.String("order.id", stored.ID.String()), attribute.Bool("order.created", created))

	if !created {
		s.logger.Info().
			Str("order_id", stored.ID.String()).
			Str("idempotency_key", stored.IdempotencyKey).
			Msg("idempotent order replay")

		return &CreateOrderResponse{
			OrderID: stored.ID.String(),
			Status:  stored.Status.String(),
		}, nil
	}

	telemetry.RecordCounter(ctx, telemetry.MetricOrdersCreated, "Orders created", 1)
	s.logger.Info().Str("order_id", stored.ID.String()).Msg("order created")

	if err := s.eventPublisher.Publish(ctx, events.NewOrderEvent(stored.ID, models.OrderStatusCreated)); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to publish order created event")
	}

	return &CreateOrderResponse{
		OrderID: stored.ID.String(),
		Status:  models.OrderStatusCreated.String(),
		Created: true,
	}, nil
}

// HandlePaymentEvent applies a payment outcome. Success needs no transition:
// the inventory step reacts to it on its own.
func (s *OrderSaga) HandlePaymentEvent(ctx context.Context, event *events.Event) error {
	payload, err := events.AsPaymentEvent(event)
	if err != nil {
		return errors.Wrap(err, "failed to parse payment event")
	}

	ctx, span := s.startSpan(ctx, "order_saga.payment_outcome", payload.OrderID, payload.Success)
	defer span.End()

	if !payload.Success {
		return s.compensate(ctx, event, payload.OrderID, models.OrderStatusPaymentFailed, ReasonPaymentFailed)
	}

	order, err := s.orderRepository.Get(ctx, payload.OrderID)
	if err != nil {
		return s.absorb(ctx, event, payload.OrderID, err)
	}

	if order.Status != models.OrderStatusCreated {
		s.reporter.Report(ctx, Inconsistency{
			Kind:    InconsistencyStaleEvent,
			OrderID: order.ID,
			Status:  order.Status,
			Event:   event,
		})
		return nil
	}

	s.logger.Debug().Str("order_id", order.ID.String()).Msg("payment succeeded, awaiting inventory")
	return nil
}

// HandleInventoryEvent applies an inventory outcome
func (s *OrderSaga) HandleInventoryEvent(ctx context.Context, event *events.Event) error {
	payload, err := events.AsInventoryEvent(event)
	if err != nil {
		return errors.Wrap(err, "failed to parse inventory event")
	}

	ctx, span := s.startSpan(ctx, "order_saga.inventory_outcome", payload.OrderID, payload.Success)
	defer span.End()

	if !payload.Success {
		return s.compensate(ctx, event, payload.OrderID, models.OrderStatusInventoryFailed, ReasonInventoryFailed)
	}

	order, err := s.orderRepository.Transition(ctx, payload.OrderID, models.OrderStatusCompleted)
	if err != nil {
		return s.absorb(ctx, event, payload.OrderID, err)
	}

	s.finished(ctx, order)
	return nil
}

// compensate records the failure, cancels the order and announces the
// cancellation. An order already parked in the same failure status resumes
// at the cancel step. Only the handler that wins the CANCELLED transition
// publishes, so an order is announced cancelled at most once.
func (s *OrderSaga) compensate(ctx context.Context, event *events.Event, orderID models.ID, failed models.OrderStatus, reason string) error {
	if _, err := s.orderRepository.Transition(ctx, orderID, failed); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			return s.absorb(ctx, event, orderID, err)
		}

		current, getErr := s.orderRepository.Get(ctx, orderID)
		if getErr != nil {
			return s.absorb(ctx, event, orderID, getErr)
		}
		if current.Status != failed {
			return s.absorb(ctx, event, orderID, err)
		}

		s.logger.Warn().
			Str("order_id", orderID.String()).
			Str("status", current.Status.String()).
			Msg("resuming interrupted compensation")
	}

	order, err := s.orderRepository.Transition(ctx, orderID, models.OrderStatusCancelled)
	if err != nil {
		return s.absorb(ctx, event, orderID, err)
	}

	s.finished(ctx, order)

	cancelled := events.NewOrderEvent(orderID, models.OrderStatusCancelled).
		WithMetadata(events.MetadataReason, reason)

	if err := s.eventPublisher.Publish(ctx, cancelled); err != nil {
		return errors.Wrapf(err, "failed to publish cancellation for order %s", orderID)
	}

	return nil
}

// absorb reports store errors that describe a late, duplicate or unknown
// event. Anything else is returned to the bus.
func (s *OrderSaga) absorb(ctx context.Context, event *events.Event, orderID models.ID, err error) error {
	var kind InconsistencyKind
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		kind = InconsistencyOrderNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		kind = InconsistencyInvalidTransition
	default:
		return errors.Wrapf(err, "order %s", orderID)
	}

	s.reporter.Report(ctx, Inconsistency{
		Kind:    kind,
		OrderID: orderID,
		Event:   event,
		Err:     err,
	})

	return nil
}

func (s *OrderSaga) finished(ctx context.Context, order *domain.Order) {
	telemetry.RecordCounter(ctx, telemetry.MetricOrdersFinished, "Orders that reached a terminal status", 1,
		attribute.String("status", order.Status.String()),
	)

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("status", order.Status.String()).
		Msg("order finished")
}

func (s *OrderSaga) startSpan(ctx context.Context, name string, orderID models.ID, success bool) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, name,
		trace.WithAttributes(
			attribute.String("order.id", orderID.String()),
			attribute.Bool("outcome.success", success),
		),
	)
}
