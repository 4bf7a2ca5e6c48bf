package infrastructure

import (
	"context"
	"sync"
	"testing"

	"github.com/draftea/order-saga/orders-service/domain"
	"github.com/draftea/order-saga/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOrderRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOrderRepository(4)

	order := domain.NewOrder(models.GenerateUUID(), "")
	stored, created, err := repo.Create(ctx, order)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, order.ID, stored.ID)

	got, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCreated, got.Status)

	// Callers only ever hold copies.
	got.Status = models.OrderStatusCompleted
	order.Status = models.OrderStatusCancelled
	again, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCreated, again.Status)

	_, _, err = repo.Create(ctx, domain.NewOrder(order.ID, ""))
	assert.ErrorIs(t, err, domain.ErrOrderExists)

	_, err = repo.Get(ctx, models.GenerateUUID())
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestMemoryOrderRepository_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOrderRepository(0)

	first, created, err := repo.Create(ctx, domain.NewOrder(models.GenerateUUID(), "checkout-42"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := repo.Create(ctx, domain.NewOrder(models.GenerateUUID(), "checkout-42"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	orders, err := repo.List(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestMemoryOrderRepository_Transition(t *testing.T) {
	tests := []struct {
		name          string
		setup         []models.OrderStatus
		target        models.OrderStatus
		unknown       bool
		expectedError error
		expected      models.OrderStatus
	}{
		{
			name:     "created to completed",
			target:   models.OrderStatusCompleted,
			expected: models.OrderStatusCompleted,
		},
		{
			name:     "payment failed to cancelled",
			setup:    []models.OrderStatus{models.OrderStatusPaymentFailed},
			target:   models.OrderStatusCancelled,
			expected: models.OrderStatusCancelled,
		},
		{
			name:          "terminal order rejects transition",
			setup:         []models.OrderStatus{models.OrderStatusCompleted},
			target:        models.OrderStatusInventoryFailed,
			expectedError: domain.ErrInvalidTransition,
			expected:      models.OrderStatusCompleted,
		},
		{
			name:          "unknown order",
			unknown:       true,
			target:        models.OrderStatusCompleted,
			expectedError: domain.ErrOrderNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := NewMemoryOrderRepository(2)

			order := domain.NewOrder(models.GenerateUUID(), "")
			_, _, err := repo.Create(ctx, order)
			require.NoError(t, err)
			for _, status := range tt.setup {
				_, err := repo.Transition(ctx, order.ID, status)
				require.NoError(t, err)
			}

			id := order.ID
			if tt.unknown {
				id = models.GenerateUUID()
			}

			updated, err := repo.Transition(ctx, id, tt.target)
			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
				assert.Nil(t, updated)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, updated.Status)
			}

			if !tt.unknown {
				current, err := repo.Get(ctx, order.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.expected, current.Status)
			}
		})
	}
}

func TestMemoryOrderRepository_ListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOrderRepository(8)

	var ids []models.ID
	for i := 0; i < 10; i++ {
		order := domain.NewOrder(models.GenerateUUID(), "")
		_, _, err := repo.Create(ctx, order)
		require.NoError(t, err)
		ids = append(ids, order.ID)
	}

	for _, id := range ids[:3] {
		_, err := repo.Transition(ctx, id, models.OrderStatusCompleted)
		require.NoError(t, err)
	}

	all, err := repo.List(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, all, 10)
	for i, order := range all {
		assert.Equal(t, ids[i], order.ID)
	}

	completed := models.OrderStatusCompleted
	done, err := repo.List(ctx, domain.OrderFilter{Status: &completed})
	require.NoError(t, err)
	assert.Len(t, done, 3)

	limited, err := repo.List(ctx, domain.OrderFilter{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, limited, 4)
	assert.Equal(t, ids[0], limited[0].ID)
}

func TestMemoryOrderRepository_ConcurrentTransitionsAreAtomic(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOrderRepository(4)

	order := domain.NewOrder(models.GenerateUUID(), "")
	_, _, err := repo.Create(ctx, order)
	require.NoError(t, err)

	targets := []models.OrderStatus{
		models.OrderStatusCompleted,
		models.OrderStatusPaymentFailed,
		models.OrderStatusInventoryFailed,
	}

	const racers = 30
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(target models.OrderStatus) {
			defer wg.Done()
			if _, err := repo.Transition(ctx, order.ID, target); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			}
		}(targets[i%len(targets)])
	}
	wg.Wait()

	assert.Equal(t, 1, successes)

	final, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, final.History, 2)
	assert.Equal(t, 2, final.Version.Value)
}

func TestMemoryOrderRepository_ConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOrderRepository(16)

	const writers = 50
	var wg sync.WaitGroup
	ids := make([]models.ID, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := domain.NewOrder(models.GenerateUUID(), "")
			_, _, err := repo.Create(ctx, order)
			assert.NoError(t, err)
			ids[i] = order.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		_, err := repo.Get(ctx, id)
		assert.NoError(t, err)
	}

	// Same key from many goroutines yields one order.
	results := make([]models.ID, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, _, err := repo.Create(ctx, domain.NewOrder(models.GenerateUUID(), "shared-key"))
			assert.NoError(t, err)
			results[i] = order.ID
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
}

func TestMemoryOrderRepository_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := NewMemoryOrderRepository(1)
	_, _, err := repo.Create(ctx, domain.NewOrder(models.GenerateUUID(), ""))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = repo.Get(ctx, models.GenerateUUID())
	assert.ErrorIs(t, err, context.Canceled)
}
