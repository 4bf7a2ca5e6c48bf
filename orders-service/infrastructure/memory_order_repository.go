package infrastructure

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/draftea/order-saga/orders-service/domain"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

const DefaultShards = 32

var _ domain.OrderRepository = (*MemoryOrderRepository)(nil)

type storedOrder struct {
	order *domain.Order
	seq   uint64
}

type orderShard struct {
	mu     sync.RWMutex
	orders map[models.ID]*storedOrder
}

// MemoryOrderRepository implements OrderRepository in memory. Orders are spread
// over shards by id hash; each shard has its own lock, so operations on
// different orders rarely contend and operations on one order are serialized.
type MemoryOrderRepository struct {
	shards []*orderShard
	seq    atomic.Uint64

	keysMu sync.Mutex
	keys   map[string]models.ID
}

// NewMemoryOrderRepository creates a new MemoryOrderRepository
func NewMemoryOrderRepository(shards int) *MemoryOrderRepository {
	if shards <= 0 {
		shards = DefaultShards
	}

	r := &MemoryOrderRepository{
		shards: make([]*orderShard, shards),
		keys:   make(map[string]models.ID),
	}
	for i := range r.shards {
		r.shards[i] = &orderShard{orders: make(map[models.ID]*storedOrder)}
	}

	return r
}

func (r *MemoryOrderRepository) shardFor(id models.ID) *orderShard {
	return r.shards[xxhash.Sum64String(id.String())%uint64(len(r.shards))]
}

// Create stores a new order
func (r *MemoryOrderRepository) Create(ctx context.Context, order *domain.Order) (*domain.Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if order == nil || order.ID.IsZero() {
		return nil, false, errors.New("order without id")
	}

	if order.IdempotencyKey == "" {
		if err := r.insert(order); err != nil {
			return nil, false, err
		}
		return order.Clone(), true, nil
	}

	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	if existingID, ok := r.keys[order.IdempotencyKey]; ok {
		existing, err := r.Get(ctx, existingID)
		if err != nil {
			return nil, false, errors.Wrapf(err, "idempotency key %q", order.IdempotencyKey)
		}
		return existing, false, nil
	}

	if err := r.insert(order); err != nil {
		return nil, false, err
	}
	r.keys[order.IdempotencyKey] = order.ID

	return order.Clone(), true, nil
}

func (r *MemoryOrderRepository) insert(order *domain.Order) error {
	shard := r.shardFor(order.ID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.orders[order.ID]; exists {
		return errors.Wrapf(domain.ErrOrderExists, "order %s", order.ID)
	}

	shard.orders[order.ID] = &storedOrder{
		order: order.Clone(),
		seq:   r.seq.Add(1),
	}
	return nil
}

// Get returns a copy of the order
func (r *MemoryOrderRepository) Get(ctx context.Context, id models.ID) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shard := r.shardFor(id)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	stored, ok := shard.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", id)
	}

	return stored.order.Clone(), nil
}

// Transition validates and applies a status change under the order's shard lock
func (r *MemoryOrderRepository) Transition(ctx context.Context, id models.ID, status models.OrderStatus) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shard := r.shardFor(id)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	stored, ok := shard.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", id)
	}

	if err := stored.order.TransitionTo(status); err != nil {
		return nil, err
	}

	return stored.order.Clone(), nil
}

// List returns copies of the matching orders in creation order
func (r *MemoryOrderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matched []*storedOrder
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, stored := range shard.orders {
			if filter.Matches(stored.order) {
				matched = append(matched, &storedOrder{order: stored.order.Clone(), seq: stored.seq})
			}
		}
		shard.mu.RUnlock()
	}

	slices.SortFunc(matched, func(a, b *storedOrder) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	orders := make([]*domain.Order, 0, len(matched))
	for _, stored := range matched {
		orders = append(orders, stored.order)
	}

	return orders, nil
}
