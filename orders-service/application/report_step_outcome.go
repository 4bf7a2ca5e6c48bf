package application

import (
	"context"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

// Step names accepted by ReportStepOutcome
const (
	StepPayment   = "payment"
	StepInventory = "inventory"
)

// ErrInvalidCommand is returned for malformed command input
var ErrInvalidCommand = errors.New("invalid command")

// ReportStepOutcomeCommand carries an outcome produced by an external step service
type ReportStepOutcomeCommand struct {
	OrderID string `json:"order_id"`
	Step    string `json:"step"`
	Success bool   `json:"success"`
	Source  string `json:"source,omitempty"`
}

// ReportStepOutcome use case publishes an externally produced step outcome on
// the bus, where the orchestrator and downstream steps consume it like any
// in-process outcome
type ReportStepOutcome struct {
	eventPublisher events.Publisher
}

// NewReportStepOutcome creates a new ReportStepOutcome use case
func NewReportStepOutcome(eventPublisher events.Publisher) *ReportStepOutcome {
	return &ReportStepOutcome{
		eventPublisher: eventPublisher,
	}
}

// Execute executes the report step outcome use case
func (uc *ReportStepOutcome) Execute(ctx context.Context, cmd *ReportStepOutcomeCommand) error {
	if cmd == nil {
		return errors.Wrap(ErrInvalidCommand, "command is required")
	}

	orderID, err := models.NewID(cmd.OrderID)
	if err != nil {
		return errors.Wrap(ErrInvalidCommand, err.Error())
	}

	var event *events.Event
	switch cmd.Step {
	case StepPayment:
		event = events.NewPaymentEvent(orderID, cmd.Success)
	case StepInventory:
		event = events.NewInventoryEvent(orderID, cmd.Success)
	default:
		return errors.Wrapf(ErrInvalidCommand, "unknown step %q", cmd.Step)
	}

	source := cmd.Source
	if source == "" {
		source = "external"
	}
	event.WithMetadata(events.MetadataSource, source)

	if err := uc.eventPublisher.Publish(ctx, event); err != nil {
		return errors.Wrapf(err, "failed to publish %s outcome", cmd.Step)
	}

	return nil
}
