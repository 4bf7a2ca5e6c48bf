package application

import (
	"context"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// InconsistencyKind classifies events the saga could not apply
type InconsistencyKind string

const (
	InconsistencyOrderNotFound     InconsistencyKind = "order_not_found"
	InconsistencyInvalidTransition InconsistencyKind = "invalid_transition"
	InconsistencyStaleEvent        InconsistencyKind = "stale_event"
)

// Inconsistency describes an event that referenced an unknown order or
// arrived after the order had moved on
type Inconsistency struct {
	Kind    InconsistencyKind
	OrderID models.ID
	Status  models.OrderStatus
	Event   *events.Event
	Err     error
}

// InconsistencyReporter receives absorbed saga errors
type InconsistencyReporter interface {
	Report(ctx context.Context, inconsistency Inconsistency)
}

// InconsistencyReporterFunc adapts a function to InconsistencyReporter
type InconsistencyReporterFunc func(ctx context.Context, inconsistency Inconsistency)

func (f InconsistencyReporterFunc) Report(ctx context.Context, inconsistency Inconsistency) {
	f(ctx, inconsistency)
}

// LogInconsistencyReporter logs inconsistencies at warn level and counts them
type LogInconsistencyReporter struct {
	logger zerolog.Logger
}

// NewLogInconsistencyReporter creates a new LogInconsistencyReporter
func NewLogInconsistencyReporter(logger zerolog.Logger) *LogInconsistencyReporter {
	return &LogInconsistencyReporter{
		logger: logger.With().Str("component", "saga_inconsistencies").Logger(),
	}
}

func (r *LogInconsistencyReporter) Report(ctx context.Context, inconsistency Inconsistency) {
	entry := r.logger.Warn().
		Str("kind", string(inconsistency.Kind)).
		Str("order_id", inconsistency.OrderID.String())

	if inconsistency.Status != "" {
		entry = entry.Str("status", inconsistency.Status.String())
	}
	if inconsistency.Event != nil {
		entry = entry.
			Str("event_id", inconsistency.Event.ID.String()).
			Str("topic", inconsistency.Event.Topic.String())
	}
	if inconsistency.Err != nil {
		entry = entry.Err(inconsistency.Err)
	}

	entry.Msg("saga inconsistency absorbed")

	telemetry.RecordCounter(ctx, telemetry.MetricInconsistencies, "Saga events that could not be applied", 1,
		attribute.String("kind", string(inconsistency.Kind)),
	)
}
