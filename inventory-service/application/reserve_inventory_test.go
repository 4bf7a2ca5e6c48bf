package application

import (
	"context"
	"testing"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/mocks"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestReserveInventory_Handle(t *testing.T) {
	orderID := models.ID("550e8400-e29b-41d4-a716-446655440020")

	tests := []struct {
		name          string
		event         *events.Event
		decider       saga.Decider
		setupMocks    func(*mocks.MockPublisher)
		expectedError string
	}{
		{
			name:    "reserves stock for paid order",
			event:   events.NewPaymentEvent(orderID, true),
			decider: saga.FixedDecider(true),
			setupMocks: func(publisher *mocks.MockPublisher) {
				publisher.EXPECT().Publish(mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
					payload, err := events.AsInventoryEvent(evt)
					source, _ := evt.Metadata.Get(events.MetadataSource)
					return err == nil && payload.OrderID == orderID && payload.Success && source == StepName
				})).Return(nil).Once()
			},
		},
		{
			name:    "reports out of stock",
			event:   events.NewPaymentEvent(orderID, true),
			decider: saga.FixedDecider(false),
			setupMocks: func(publisher *mocks.MockPublisher) {
				publisher.EXPECT().Publish(mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
					payload, err := events.AsInventoryEvent(evt)
					return err == nil && !payload.Success
				})).Return(nil).Once()
			},
		},
		{
			name:       "ignores failed payments",
			event:      events.NewPaymentEvent(orderID, false),
			decider:    saga.FixedDecider(true),
			setupMocks: func(publisher *mocks.MockPublisher) {},
		},
		{
			name:    "propagates publish failure",
			event:   events.NewPaymentEvent(orderID, true),
			decider: saga.FixedDecider(true),
			setupMocks: func(publisher *mocks.MockPublisher) {
				publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(errors.New("closed")).Once()
			},
			expectedError: "inventory step: failed to publish outcome",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := mocks.NewMockPublisher(t)
			tt.setupMocks(publisher)

			step := NewReserveInventory(tt.decider, publisher, zerolog.Nop())
			err := step.Handle(context.Background(), tt.event)

			if tt.expectedError != "" {
				assert.ErrorContains(t, err, tt.expectedError)
				return
			}
			assert.NoError(t, err)
		})
	}
}
