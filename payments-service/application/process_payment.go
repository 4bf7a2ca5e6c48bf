package application

import (
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/rs/zerolog"
)

// StepName identifies the payment step in logs, metrics and event metadata
const StepName = "payment"

// PaymentStepConfig describes the payment step: charge every freshly created
// order and report the result on the payment topic
func PaymentStepConfig() saga.StepConfig {
	return saga.StepConfig{
		Name:    StepName,
		Trigger: events.OrderTopic,
		Match:   matchCreatedOrder,
		Outcome: events.NewPaymentEvent,
	}
}

// NewProcessPayment creates the payment step collaborator
func NewProcessPayment(decider saga.Decider, eventPublisher events.Publisher, logger zerolog.Logger) *saga.Step {
	return saga.NewStep(PaymentStepConfig(), decider, eventPublisher, logger)
}

// matchCreatedOrder triggers on CREATED only; CANCELLED announcements on the
// same topic are ignored
func matchCreatedOrder(event *events.Event) (models.ID, bool, error) {
	payload, err := events.AsOrderEvent(event)
	if err != nil {
		return "", false, err
	}

	return payload.OrderID, payload.Status == models.OrderStatusCreated, nil
}
