package models

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownOrderStatus is returned when parsing a status outside the saga's state set
var ErrUnknownOrderStatus = errors.New("unknown order status")

// OrderStatus is the saga state of an order
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusPaymentFailed   OrderStatus = "PAYMENT_FAILED"
	OrderStatusInventoryFailed OrderStatus = "INVENTORY_FAILED"
	OrderStatusCompleted       OrderStatus = "COMPLETED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// OrderStatuses lists every status in lifecycle order
var OrderStatuses = []OrderStatus{
	OrderStatusCreated,
	OrderStatusPaymentFailed,
	OrderStatusInventoryFailed,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

// ParseOrderStatus parses a status name, case-insensitively
func ParseOrderStatus(s string) (OrderStatus, error) {
	candidate := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, status := range OrderStatuses {
		if status == candidate {
			return status, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownOrderStatus, "%q", s)
}

// IsTerminal reports whether no transition leaves this status
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// IsFailure reports whether the status is a failure sub-state awaiting cancellation
func (s OrderStatus) IsFailure() bool {
	return s == OrderStatusPaymentFailed || s == OrderStatusInventoryFailed
}

func (s OrderStatus) String() string {
	return string(s)
}
