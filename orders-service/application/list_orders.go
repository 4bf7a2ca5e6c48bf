package application

import (
	"context"

	"github.com/draftea/order-saga/orders-service/domain"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

const maxListLimit = 1000

// ListOrdersQuery represents the query to list orders
type ListOrdersQuery struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ListOrdersResponse represents the response for listing orders
type ListOrdersResponse struct {
	Orders []*OrderResponse `json:"orders"`
	Count  int              `json:"count"`
}

// ListOrders use case
type ListOrders struct {
	orderRepository domain.OrderRepository
}

// NewListOrders creates a new ListOrders use case
func NewListOrders(orderRepository domain.OrderRepository) *ListOrders {
	return &ListOrders{
		orderRepository: orderRepository,
	}
}

// Execute executes the list orders use case
func (uc *ListOrders) Execute(ctx context.Context, query *ListOrdersQuery) (*ListOrdersResponse, error) {
	if query == nil {
		query = &ListOrdersQuery{}
	}

	filter := domain.OrderFilter{Limit: query.Limit}
	if query.Limit < 0 {
		return nil, errors.Wrap(ErrInvalidQuery, "limit must not be negative")
	}
	if query.Limit == 0 || query.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	if query.Status != "" {
		status, err := models.ParseOrderStatus(query.Status)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidQuery, err.Error())
		}
		filter.Status = &status
	}

	orders, err := uc.orderRepository.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orders")
	}

	response := &ListOrdersResponse{
		Orders: make([]*OrderResponse, 0, len(orders)),
		Count:  len(orders),
	}
	for _, order := range orders {
		response.Orders = append(response.Orders, toOrderResponse(order))
	}

	return response, nil
}
