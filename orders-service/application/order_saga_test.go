package application

import (
	"context"
	"sync"
	"testing"

	"github.com/draftea/order-saga/orders-service/domain"
	"github.com/draftea/order-saga/orders-service/mocks"
	"github.com/draftea/order-saga/shared/events"
	sharedmocks "github.com/draftea/order-saga/shared/mocks"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type reportLog struct {
	mu      sync.Mutex
	reports []Inconsistency
}

func (l *reportLog) Report(_ context.Context, inconsistency Inconsistency) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, inconsistency)
}

func (l *reportLog) kinds() []InconsistencyKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]InconsistencyKind, 0, len(l.reports))
	for _, r := range l.reports {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func orderIn(id models.ID, status models.OrderStatus) *domain.Order {
	order := domain.NewOrder(id, "")
	order.Status = status
	return order
}

func isCancellation(orderID models.ID, reason string) interface{} {
	return mock.MatchedBy(func(evt *events.Event) bool {
		payload, err := events.AsOrderEvent(evt)
		if err != nil {
			return false
		}
		got, _ := evt.Metadata.Get(events.MetadataReason)
		return payload.OrderID == orderID && payload.Status == models.OrderStatusCancelled && got == reason
	})
}

func TestOrderSaga_CreateOrder(t *testing.T) {
	existingID := models.ID("550e8400-e29b-41d4-a716-446655440001")

	tests := []struct {
		name           string
		command        *CreateOrderCommand
		setupMocks     func(*mocks.MockOrderRepository, *sharedmocks.MockPublisher)
		expectedError  string
		validateResult func(*testing.T, *CreateOrderResponse)
	}{
		{
			name:    "creates order and publishes CREATED",
			command: &CreateOrderCommand{},
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Create(mock.Anything, mock.AnythingOfType("*domain.Order")).
					RunAndReturn(func(_ context.Context, order *domain.Order) (*domain.Order, bool, error) {
						return order.Clone(), true, nil
					}).Once()
				publisher.EXPECT().Publish(mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
					payload, err := events.AsOrderEvent(evt)
					return err == nil && payload.Status == models.OrderStatusCreated && evt.AggregateID == payload.OrderID
				})).Return(nil).Once()
			},
			validateResult: func(t *testing.T, result *CreateOrderResponse) {
				_, err := models.NewID(result.OrderID)
				assert.NoError(t, err)
				assert.Equal(t, "CREATED", result.Status)
				assert.True(t, result.Created)
			},
		},
		{
			name:    "nil command behaves like an empty one",
			command: nil,
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Create(mock.Anything, mock.Anything).
					RunAndReturn(func(_ context.Context, order *domain.Order) (*domain.Order, bool, error) {
						return order.Clone(), true, nil
					}).Once()
				publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Once()
			},
			validateResult: func(t *testing.T, result *CreateOrderResponse) {
				assert.True(t, result.Created)
			},
		},
		{
			name:    "idempotent replay does not republish",
			command: &CreateOrderCommand{IdempotencyKey: " checkout-1 "},
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Create(mock.Anything, mock.MatchedBy(func(order *domain.Order) bool {
					return order.IdempotencyKey == "checkout-1"
				})).Return(orderIn(existingID, models.OrderStatusCompleted), false, nil).Once()
			},
			validateResult: func(t *testing.T, result *CreateOrderResponse) {
				assert.Equal(t, existingID.String(), result.OrderID)
				assert.Equal(t, "COMPLETED", result.Status)
				assert.False(t, result.Created)
			},
		},
		{
			name:    "store failure",
			command: &CreateOrderCommand{},
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Create(mock.Anything, mock.Anything).Return(nil, false, errors.New("disk full")).Once()
			},
			expectedError: "failed to save order: disk full",
		},
		{
			name:    "publish failure",
			command: &CreateOrderCommand{},
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Create(mock.Anything, mock.Anything).
					RunAndReturn(func(_ context.Context, order *domain.Order) (*domain.Order, bool, error) {
						return order.Clone(), true, nil
					}).Once()
				publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(errors.New("bus closed")).Once()
			},
			expectedError: "failed to publish order created event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockOrderRepository(t)
			publisher := sharedmocks.NewMockPublisher(t)
			tt.setupMocks(repo, publisher)

			s := NewOrderSaga(repo, publisher, zerolog.Nop())
			result, err := s.CreateOrder(context.Background(), tt.command)

			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				assert.Nil(t, result)
				return
			}

			require.NoError(t, err)
			tt.validateResult(t, result)
		})
	}
}

func TestOrderSaga_HandlePaymentEvent(t *testing.T) {
	orderID := models.ID("550e8400-e29b-41d4-a716-446655440002")

	tests := []struct {
		name          string
		event         *events.Event
		setupMocks    func(*mocks.MockOrderRepository, *sharedmocks.MockPublisher)
		expectedKinds []InconsistencyKind
		expectedError string
	}{
		{
			name:  "success leaves order for the inventory step",
			event: events.NewPaymentEvent(orderID, true),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Get(mock.Anything, orderID).Return(orderIn(orderID, models.OrderStatusCreated), nil).Once()
			},
		},
		{
			name:  "success for a finished order is stale",
			event: events.NewPaymentEvent(orderID, true),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Get(mock.Anything, orderID).Return(orderIn(orderID, models.OrderStatusCancelled), nil).Once()
			},
			expectedKinds: []InconsistencyKind{InconsistencyStaleEvent},
		},
		{
			name:  "success for unknown order",
			event: events.NewPaymentEvent(orderID, true),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Get(mock.Anything, orderID).
					Return(nil, errors.Wrap(domain.ErrOrderNotFound, "order")).Once()
			},
			expectedKinds: []InconsistencyKind{InconsistencyOrderNotFound},
		},
		{
			name:  "failure cancels the order",
			event: events.NewPaymentEvent(orderID, false),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusPaymentFailed).
					Return(orderIn(orderID, models.OrderStatusPaymentFailed), nil).Once()
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusCancelled).
					Return(orderIn(orderID, models.OrderStatusCancelled), nil).Once()
				publisher.EXPECT().Publish(mock.Anything, isCancellation(orderID, ReasonPaymentFailed)).Return(nil).Once()
			},
		},
		{
			name:  "duplicate failure is absorbed",
			event: events.NewPaymentEvent(orderID, false),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusPaymentFailed).
					Return(nil, errors.Wrap(domain.ErrInvalidTransition, "CANCELLED -> PAYMENT_FAILED")).Once()
				repo.EXPECT().Get(mock.Anything, orderID).Return(orderIn(orderID, models.OrderStatusCancelled), nil).Once()
			},
			expectedKinds: []InconsistencyKind{InconsistencyInvalidTransition},
		},
		{
			name:  "failure resumes an interrupted compensation",
			event: events.NewPaymentEvent(orderID, false),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusPaymentFailed).
					Return(nil, errors.Wrap(domain.ErrInvalidTransition, "PAYMENT_FAILED -> PAYMENT_FAILED")).Once()
				repo.EXPECT().Get(mock.Anything, orderID).Return(orderIn(orderID, models.OrderStatusPaymentFailed), nil).Once()
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusCancelled).
					Return(orderIn(orderID, models.OrderStatusCancelled), nil).Once()
				publisher.EXPECT().Publish(mock.Anything, isCancellation(orderID, ReasonPaymentFailed)).Return(nil).Once()
			},
		},
		{
			name:  "failure after a different failure is absorbed",
			event: events.NewPaymentEvent(orderID, false),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusPaymentFailed).
					Return(nil, domain.ErrInvalidTransition).Once()
				repo.EXPECT().Get(mock.Anything, orderID).Return(orderIn(orderID, models.OrderStatusInventoryFailed), nil).Once()
			},
			expectedKinds: []InconsistencyKind{InconsistencyInvalidTransition},
		},
		{
			name:  "failure for unknown order",
			event: events.NewPaymentEvent(orderID, false),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusPaymentFailed).
					Return(nil, domain.ErrOrderNotFound).Once()
			},
			expectedKinds: []InconsistencyKind{InconsistencyOrderNotFound},
		},
		{
			name:  "cancellation publish failure is returned",
			event: events.NewPaymentEvent(orderID, false),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusPaymentFailed).
					Return(orderIn(orderID, models.OrderStatusPaymentFailed), nil).Once()
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusCancelled).
					Return(orderIn(orderID, models.OrderStatusCancelled), nil).Once()
				publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(errors.New("bus closed")).Once()
			},
			expectedError: "failed to publish cancellation",
		},
		{
			name:  "unexpected store error is returned",
			event: events.NewPaymentEvent(orderID, true),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Get(mock.Anything, orderID).Return(nil, context.Canceled).Once()
			},
			expectedError: "context canceled",
		},
		{
			name:          "wrong topic payload",
			event:         events.NewInventoryEvent(orderID, true),
			setupMocks:    func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {},
			expectedError: "failed to parse payment event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockOrderRepository(t)
			publisher := sharedmocks.NewMockPublisher(t)
			tt.setupMocks(repo, publisher)
			reports := &reportLog{}

			s := NewOrderSaga(repo, publisher, zerolog.Nop(), WithInconsistencyReporter(reports))
			err := s.HandlePaymentEvent(context.Background(), tt.event)

			if tt.expectedError != "" {
				assert.ErrorContains(t, err, tt.expectedError)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, len(tt.expectedKinds), len(reports.kinds()))
			if len(tt.expectedKinds) > 0 {
				assert.Equal(t, tt.expectedKinds, reports.kinds())
			}
		})
	}
}

func TestOrderSaga_HandleInventoryEvent(t *testing.T) {
	orderID := models.ID("550e8400-e29b-41d4-a716-446655440003")

	tests := []struct {
		name          string
		event         *events.Event
		setupMocks    func(*mocks.MockOrderRepository, *sharedmocks.MockPublisher)
		expectedKinds []InconsistencyKind
	}{
		{
			name:  "success completes the order",
			event: events.NewInventoryEvent(orderID, true),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusCompleted).
					Return(orderIn(orderID, models.OrderStatusCompleted), nil).Once()
			},
		},
		{
			name:  "failure cancels the order",
			event: events.NewInventoryEvent(orderID, false),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusInventoryFailed).
					Return(orderIn(orderID, models.OrderStatusInventoryFailed), nil).Once()
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusCancelled).
					Return(orderIn(orderID, models.OrderStatusCancelled), nil).Once()
				publisher.EXPECT().Publish(mock.Anything, isCancellation(orderID, ReasonInventoryFailed)).Return(nil).Once()
			},
		},
		{
			name:  "late success after cancellation",
			event: events.NewInventoryEvent(orderID, true),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusCompleted).
					Return(nil, domain.ErrInvalidTransition).Once()
			},
			expectedKinds: []InconsistencyKind{InconsistencyInvalidTransition},
		},
		{
			name:  "failure resumes an interrupted compensation",
			event: events.NewInventoryEvent(orderID, false),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusInventoryFailed).
					Return(nil, domain.ErrInvalidTransition).Once()
				repo.EXPECT().Get(mock.Anything, orderID).Return(orderIn(orderID, models.OrderStatusInventoryFailed), nil).Once()
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusCancelled).
					Return(orderIn(orderID, models.OrderStatusCancelled), nil).Once()
				publisher.EXPECT().Publish(mock.Anything, isCancellation(orderID, ReasonInventoryFailed)).Return(nil).Once()
			},
		},
		{
			name:  "unknown order",
			event: events.NewInventoryEvent(orderID, false),
			setupMocks: func(repo *mocks.MockOrderRepository, publisher *sharedmocks.MockPublisher) {
				repo.EXPECT().Transition(mock.Anything, orderID, models.OrderStatusInventoryFailed).
					Return(nil, domain.ErrOrderNotFound).Once()
			},
			expectedKinds: []InconsistencyKind{InconsistencyOrderNotFound},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockOrderRepository(t)
			publisher := sharedmocks.NewMockPublisher(t)
			tt.setupMocks(repo, publisher)
			reports := &reportLog{}

			s := NewOrderSaga(repo, publisher, zerolog.Nop(), WithInconsistencyReporter(reports))

			assert.NoError(t, s.Handle(context.Background(), tt.event))
			assert.Equal(t, len(tt.expectedKinds), len(reports.kinds()))
			if len(tt.expectedKinds) > 0 {
				assert.Equal(t, tt.expectedKinds, reports.kinds())
			}
		})
	}
}

func TestOrderSaga_IgnoresOtherTopics(t *testing.T) {
	repo := mocks.NewMockOrderRepository(t)
	publisher := sharedmocks.NewMockPublisher(t)

	s := NewOrderSaga(repo, publisher, zerolog.Nop())

	assert.NoError(t, s.Handle(context.Background(), events.NewOrderEvent(models.GenerateUUID(), models.OrderStatusCreated)))
	assert.Equal(t, "order-saga-orchestrator", s.HandlerID())
}
