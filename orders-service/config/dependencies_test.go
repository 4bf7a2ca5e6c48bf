package config

import (
	"context"
	"testing"

	"github.com/draftea/order-saga/orders-service/application"
	"github.com/draftea/order-saga/shared/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		ServiceName: "order-saga",
		Env:         "test",
		Port:        "0",
		Bus:         Bus{MaxChainEvents: 64},
		Store:       Store{Shards: 4},
		Steps: Steps{
			Payment:   Step{Enabled: true, SuccessRate: 1},
			Inventory: Step{Enabled: true, SuccessRate: 1},
		},
		AWS: AWS{Region: "us-east-1"},
	}
}

func TestBuildDependencies(t *testing.T) {
	tests := []struct {
		name           string
		mutate         func(*Config)
		expectedStatus string
		expectSteps    bool
	}{
		{
			name:           "in-process steps complete the order",
			mutate:         func(c *Config) {},
			expectedStatus: "COMPLETED",
			expectSteps:    true,
		},
		{
			name:           "worker bus",
			mutate:         func(c *Config) { c.Bus.Workers = 2; c.Bus.QueueSize = 8 },
			expectedStatus: "COMPLETED",
			expectSteps:    true,
		},
		{
			name: "failing payment cancels",
			mutate: func(c *Config) {
				c.Steps.Payment.SuccessRate = 0
				c.Steps.Payment.MaxRetries = 2
			},
			expectedStatus: "CANCELLED",
			expectSteps:    true,
		},
		{
			name: "external steps leave the order waiting",
			mutate: func(c *Config) {
				c.Steps.Payment.Enabled = false
				c.Steps.Inventory.Enabled = false
			},
			expectedStatus: "CREATED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			ctx := context.Background()
			deps, err := BuildDependencies(ctx, cfg, zerolog.Nop())
			require.NoError(t, err)

			assert.Nil(t, deps.Telemetry)
			assert.Nil(t, deps.EventForwarder)
			assert.Nil(t, deps.EventSubscriber)
			assert.Equal(t, tt.expectSteps, deps.ProcessPayment != nil)
			assert.Equal(t, tt.expectSteps, deps.ReserveInventory != nil)

			created, err := deps.OrderSaga.CreateOrder(ctx, &application.CreateOrderCommand{})
			require.NoError(t, err)

			// Close drains the worker bus before the order is read back
			require.NoError(t, deps.Close(ctx))

			order, err := deps.GetOrder.Execute(ctx, &application.GetOrderQuery{OrderID: created.OrderID})
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, order.Status)
		})
	}
}

func TestBuildDependencies_AWSAdapters(t *testing.T) {
	cfg := testConfig()
	cfg.AWS.AccessKeyID = "test"
	cfg.AWS.SecretAccessKey = "test"
	cfg.AWS.EndpointSNS = "http://localhost:4566"
	cfg.AWS.EndpointSQS = "http://localhost:4566"
	cfg.AWS.SNSTopicArn = "arn:aws:sns:us-east-1:000000000000:orders"
	cfg.AWS.SQSQueueURL = "http://localhost:4566/000000000000/outcomes"

	deps, err := BuildDependencies(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	assert.NotNil(t, deps.EventForwarder)
	assert.NotNil(t, deps.EventSubscriber)
	assert.NoError(t, deps.Close(context.Background()))
}

func TestNewDecider(t *testing.T) {
	ctx := context.Background()
	orderID := models.GenerateUUID()

	ok, err := newDecider(Step{SuccessRate: 1}).Decide(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = newDecider(Step{SuccessRate: 0, MaxRetries: 1}).Decide(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, ok)
}
