package domain

import (
	"context"
	"time"

	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOrderExists       = errors.New("order already exists")
)

// transitions lists the statuses reachable from each non-terminal status
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusCreated: {
		models.OrderStatusCompleted,
		models.OrderStatusPaymentFailed,
		models.OrderStatusInventoryFailed,
	},
	models.OrderStatusPaymentFailed:   {models.OrderStatusCancelled},
	models.OrderStatusInventoryFailed: {models.OrderStatusCancelled},
}

// CanTransition reports whether from → to is an allowed status change
func CanTransition(from, to models.OrderStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry of an order's status history
type StatusChange struct {
	From models.OrderStatus `json:"from,omitempty"`
	To   models.OrderStatus `json:"to"`
	At   time.Time          `json:"at"`
}

// Order aggregate root
type Order struct {
	ID             models.ID          `json:"id"`
	Status         models.OrderStatus `json:"status"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	History        []StatusChange     `json:"history"`
	Timestamps     models.Timestamps  `json:"timestamps"`
	Version        models.Version     `json:"version"`
}

// CreateOrder factory method
func CreateOrder(idempotencyKey string) (*Order, error) {
	id, err := models.NewRandomID()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate order id")
	}

	return NewOrder(id, idempotencyKey), nil
}

// NewOrder builds an order in CREATED status with the given id
func NewOrder(id models.ID, idempotencyKey string) *Order {
	timestamps := models.NewTimestamps()

	return &Order{
		ID:             id,
		Status:         models.OrderStatusCreated,
		IdempotencyKey: idempotencyKey,
		History: []StatusChange{{
			To: models.OrderStatusCreated,
			At: timestamps.CreatedAt,
		}},
		Timestamps: timestamps,
		Version:    models.NewVersion(),
	}
}

// TransitionTo moves the order to status if the state machine allows it
func (o *Order) TransitionTo(status models.OrderStatus) error {
	if !CanTransition(o.Status, status) {
		return errors.Wrapf(ErrInvalidTransition, "order %s: %s -> %s", o.ID, o.Status, status)
	}

	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()
	o.History = append(o.History, StatusChange{
		From: o.Status,
		To:   status,
		At:   o.Timestamps.UpdatedAt,
	})
	o.Status = status

	return nil
}

// IsTerminal reports whether the order can no longer change
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// Clone returns a deep copy safe to hand out of the store
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}

	c := *o
	c.History = append([]StatusChange(nil), o.History...)
	return &c
}

// OrderFilter narrows List results
type OrderFilter struct {
	Status *models.OrderStatus
	Limit  int
}

// Matches reports whether order satisfies the filter
func (f OrderFilter) Matches(order *Order) bool {
	return f.Status == nil || order.Status == *f.Status
}

// OrderRepository is the order store. Implementations must make Transition an
// atomic read-validate-write per order and must only ever return copies.
type OrderRepository interface {
	// Create stores order. When order carries an idempotency key already in use,
	// the existing order is returned with created=false.
	Create(ctx context.Context, order *Order) (*Order, bool, error)
	Get(ctx context.Context, id models.ID) (*Order, error)
	Transition(ctx context.Context, id models.ID, status models.OrderStatus) (*Order, error)
	// List returns orders ordered by creation time
	List(ctx context.Context, filter OrderFilter) ([]*Order, error)
}
