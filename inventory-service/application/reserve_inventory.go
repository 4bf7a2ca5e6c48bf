package application

import (
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/rs/zerolog"
)

// StepName identifies the inventory step in logs, metrics and event metadata
const StepName = "inventory"

// InventoryStepConfig describes the inventory step: reserve stock for every
// paid order and report the result on the inventory topic
func InventoryStepConfig() saga.StepConfig {
	return saga.StepConfig{
		Name:    StepName,
		Trigger: events.PaymentTopic,
		Match:   matchSuccessfulPayment,
		Outcome: events.NewInventoryEvent,
	}
}

// NewReserveInventory creates the inventory step collaborator
func NewReserveInventory(decider saga.Decider, eventPublisher events.Publisher, logger zerolog.Logger) *saga.Step {
	return saga.NewStep(InventoryStepConfig(), decider, eventPublisher, logger)
}

func matchSuccessfulPayment(event *events.Event) (models.ID, bool, error) {
	payload, err := events.AsPaymentEvent(event)
	if err != nil {
		return "", false, err
	}

	return payload.OrderID, payload.Success, nil
}
