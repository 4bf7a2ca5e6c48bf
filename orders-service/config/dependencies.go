package config

import (
	"context"

	inventory "github.com/draftea/order-saga/inventory-service/application"
	"github.com/draftea/order-saga/orders-service/application"
	"github.com/draftea/order-saga/orders-service/handlers"
	"github.com/draftea/order-saga/orders-service/infrastructure"
	payments "github.com/draftea/order-saga/payments-service/application"
	"github.com/draftea/order-saga/shared/events"
	sharedinfra "github.com/draftea/order-saga/shared/infrastructure"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Dependencies struct {
	// Event bus
	EventBus *saga.EventBus

	// Repositories
	OrderRepository *infrastructure.MemoryOrderRepository

	// Use Cases
	OrderSaga         *application.OrderSaga
	GetOrder          *application.GetOrder
	ListOrders        *application.ListOrders
	ReportStepOutcome *application.ReportStepOutcome

	// Step collaborators, nil when the step runs out of process
	ProcessPayment   *saga.Step
	ReserveInventory *saga.Step

	// HTTP Handlers
	OrderHandlers *handlers.OrderHandlers

	// Infrastructure, nil unless configured
	EventForwarder  *sharedinfra.SNSEventForwarder
	EventSubscriber *sharedinfra.SQSOutcomeSubscriber

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

func BuildDependencies(ctx context.Context, config *Config, logger zerolog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.OrderSagaConfig.
			WithServiceName(config.ServiceName).
			WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			// Continue without telemetry rather than failing
			logger.Warn().Err(err).Msg("failed to initialize telemetry")
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}

	// Initialize event bus
	busOpts := []saga.Option{
		saga.WithLogger(logger),
		saga.WithMaxChainEvents(config.Bus.MaxChainEvents),
	}
	if config.Bus.Workers > 0 {
		busOpts = append(busOpts, saga.WithWorkers(config.Bus.Workers, config.Bus.QueueSize))
	}
	deps.EventBus = saga.NewEventBus(busOpts...)

	// Initialize repositories
	deps.OrderRepository = infrastructure.NewMemoryOrderRepository(config.Store.Shards)

	// Initialize use cases
	deps.OrderSaga = application.NewOrderSaga(deps.OrderRepository, deps.EventBus, logger)
	deps.OrderSaga.Register(deps.EventBus)
	deps.GetOrder = application.NewGetOrder(deps.OrderRepository)
	deps.ListOrders = application.NewListOrders(deps.OrderRepository)
	deps.ReportStepOutcome = application.NewReportStepOutcome(deps.EventBus)

	// Initialize step collaborators
	if config.Steps.Payment.Enabled {
		deps.ProcessPayment = payments.NewProcessPayment(newDecider(config.Steps.Payment), deps.EventBus, logger)
		deps.ProcessPayment.Register(deps.EventBus)
	}
	if config.Steps.Inventory.Enabled {
		deps.ReserveInventory = inventory.NewReserveInventory(newDecider(config.Steps.Inventory), deps.EventBus, logger)
		deps.ReserveInventory.Register(deps.EventBus)
	}

	// Initialize handlers
	deps.OrderHandlers = handlers.NewOrderHandlers(deps.OrderSaga, deps.GetOrder, deps.ListOrders, deps.ReportStepOutcome)

	// Initialize AWS infrastructure
	if config.AWS.SNSEnabled() || config.AWS.SQSEnabled() {
		if err := deps.buildAWS(ctx, config, logger); err != nil {
			_ = deps.Close(ctx)
			return nil, err
		}
	}

	return deps, nil
}

func (d *Dependencies) buildAWS(ctx context.Context, config *Config, logger zerolog.Logger) error {
	awsConfig, err := sharedinfra.LoadAWSConfig(ctx, sharedinfra.AWSOptions{
		Region:          config.AWS.Region,
		AccessKeyID:     config.AWS.AccessKeyID,
		SecretAccessKey: config.AWS.SecretAccessKey,
	})
	if err != nil {
		return err
	}

	if config.AWS.SNSEnabled() {
		client := sharedinfra.NewSNSClient(awsConfig, config.AWS.EndpointSNS)
		d.EventForwarder = sharedinfra.NewSNSEventForwarder(client, config.AWS.SNSTopicArn, logger)
		d.EventBus.Subscribe(events.OrderTopic, d.EventForwarder)
	}

	if config.AWS.SQSEnabled() {
		client := sharedinfra.NewSQSClient(awsConfig, config.AWS.EndpointSQS)
		d.EventSubscriber = sharedinfra.NewSQSOutcomeSubscriber(client, config.AWS.SQSQueueURL, d.EventBus, logger)
	}

	return nil
}

func newDecider(step Step) saga.Decider {
	decider := saga.NewRandomDecider(step.SuccessRate)
	return saga.WithRetry(
		saga.WithLatency(decider, step.Latency),
		saga.RetryPolicy{MaxRetries: step.MaxRetries},
	)
}

// Close stops consuming, drains the bus and flushes telemetry
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Stop(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to stop event subscriber"))
		}
	}

	if d.EventBus != nil {
		if err := d.EventBus.Close(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close event bus"))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return errors.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
