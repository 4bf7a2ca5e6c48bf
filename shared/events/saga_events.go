package events

import (
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

// Saga topics. Each topic carries exactly one payload type.
const (
	OrderTopic     Topic = "saga.order"
	PaymentTopic   Topic = "saga.payment"
	InventoryTopic Topic = "saga.inventory"
)

// Metadata keys set by saga participants
const (
	MetadataReason = "reason"
	MetadataSource = "source"
)

// OrderEvent announces an order lifecycle change (CREATED or CANCELLED)
type OrderEvent struct {
	OrderID models.ID          `json:"order_id"`
	Status  models.OrderStatus `json:"status"`
}

// PaymentEvent reports the outcome of the payment step
type PaymentEvent struct {
	OrderID models.ID `json:"order_id"`
	Success bool      `json:"success"`
}

// InventoryEvent reports the outcome of the inventory step
type InventoryEvent struct {
	OrderID models.ID `json:"order_id"`
	Success bool      `json:"success"`
}

// NewOrderEvent wraps an OrderEvent in an envelope on OrderTopic
func NewOrderEvent(orderID models.ID, status models.OrderStatus) *Event {
	return NewEvent(orderID, OrderTopic, OrderEvent{OrderID: orderID, Status: status}).
		WithCorrelationID(orderID)
}

// NewPaymentEvent wraps a PaymentEvent in an envelope on PaymentTopic
func NewPaymentEvent(orderID models.ID, success bool) *Event {
	return NewEvent(orderID, PaymentTopic, PaymentEvent{OrderID: orderID, Success: success}).
		WithCorrelationID(orderID)
}

// NewInventoryEvent wraps an InventoryEvent in an envelope on InventoryTopic
func NewInventoryEvent(orderID models.ID, success bool) *Event {
	return NewEvent(orderID, InventoryTopic, InventoryEvent{OrderID: orderID, Success: success}).
		WithCorrelationID(orderID)
}

// IsSagaTopic reports whether topic is one of the three saga topics
func IsSagaTopic(topic Topic) bool {
	switch topic {
	case OrderTopic, PaymentTopic, InventoryTopic:
		return true
	default:
		return false
	}
}

// AsOrderEvent decodes the payload of an OrderTopic event
func AsOrderEvent(e *Event) (OrderEvent, error) {
	return decodeOn[OrderEvent](e, OrderTopic)
}

// AsPaymentEvent decodes the payload of a PaymentTopic event
func AsPaymentEvent(e *Event) (PaymentEvent, error) {
	return decodeOn[PaymentEvent](e, PaymentTopic)
}

// AsInventoryEvent decodes the payload of an InventoryTopic event
func AsInventoryEvent(e *Event) (InventoryEvent, error) {
	return decodeOn[InventoryEvent](e, InventoryTopic)
}

func decodeOn[T any](e *Event, topic Topic) (T, error) {
	var zero T
	if err := e.Validate(); err != nil {
		return zero, err
	}
	if e.Topic != topic {
		return zero, errors.Wrapf(ErrInvalidTopic, "expected %s, got %s", topic, e.Topic)
	}
	return DecodePayload[T](e)
}
