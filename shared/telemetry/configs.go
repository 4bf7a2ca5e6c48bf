package telemetry

// OrderSagaConfig is the telemetry configuration for the order saga service
var OrderSagaConfig = Config{
	ServiceName:    "order-saga",
	ServiceVersion: "1.0.0",
}

// Metric names shared by the saga participants
const (
	MetricEventsPublished   = "saga_events_published_total"
	MetricHandlerFailures   = "saga_handler_failures_total"
	MetricInconsistencies   = "saga_inconsistencies_total"
	MetricOrdersCreated     = "saga_orders_created_total"
	MetricOrdersFinished    = "saga_orders_finished_total"
	MetricStepOutcomes      = "saga_step_outcomes_total"
	MetricSNSForwarded      = "saga_sns_forwarded_total"
	MetricSQSMessages       = "saga_sqs_messages_total"
	MetricDispatchDuration  = "saga_event_dispatch_duration_seconds"
	MetricHTTPRequests      = "http_requests_total"
	MetricHTTPRequestLength = "http_request_duration_seconds"
)

// WithOTLPEndpoint sets the OTLP endpoint for a config
func (c Config) WithOTLPEndpoint(endpoint string) Config {
	c.OTLPEndpoint = endpoint
	return c
}

// WithServiceName sets the service name for a config
func (c Config) WithServiceName(name string) Config {
	if name != "" {
		c.ServiceName = name
	}
	return c
}

// WithVersion sets the service version for a config
func (c Config) WithVersion(version string) Config {
	c.ServiceVersion = version
	return c
}
