package application

import (
	"context"
	"time"

	"github.com/draftea/order-saga/orders-service/domain"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

// ErrInvalidQuery is returned for malformed query input
var ErrInvalidQuery = errors.New("invalid query")

// GetOrderQuery represents the query to get an order
type GetOrderQuery struct {
	OrderID string `json:"order_id"`
}

// StatusChangeResponse is one history entry
type StatusChangeResponse struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	At   string `json:"at"`
}

// OrderResponse represents an order as returned by the queries
type OrderResponse struct {
	OrderID        string                 `json:"order_id"`
	Status         string                 `json:"status"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Version        int                    `json:"version"`
	History        []StatusChangeResponse `json:"history"`
	CreatedAt      string                 `json:"created_at"`
	UpdatedAt      string                 `json:"updated_at"`
}

// GetOrder use case
type GetOrder struct {
	orderRepository domain.OrderRepository
}

// NewGetOrder creates a new GetOrder use case
func NewGetOrder(orderRepository domain.OrderRepository) *GetOrder {
	return &GetOrder{
		orderRepository: orderRepository,
	}
}

// Execute executes the get order use case
func (uc *GetOrder) Execute(ctx context.Context, query *GetOrderQuery) (*OrderResponse, error) {
	if query == nil || query.OrderID == "" {
		return nil, errors.Wrap(ErrInvalidQuery, "order ID is required")
	}

	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidQuery, err.Error())
	}

	order, err := uc.orderRepository.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}

	return toOrderResponse(order), nil
}

func toOrderResponse(order *domain.Order) *OrderResponse {
	history := make([]StatusChangeResponse, 0, len(order.History))
	for _, change := range order.History {
		history = append(history, StatusChangeResponse{
			From: change.From.String(),
			To:   change.To.String(),
			At:   change.At.Format(time.RFC3339Nano),
		})
	}

	return &OrderResponse{
		OrderID:        order.ID.String(),
		Status:         order.Status.String(),
		IdempotencyKey: order.IdempotencyKey,
		Version:        order.Version.Value,
		History:        history,
		CreatedAt:      order.Timestamps.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      order.Timestamps.UpdatedAt.Format(time.RFC3339),
	}
}
