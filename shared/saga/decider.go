package saga

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

// Decider performs a step's external effect for one order and reports
// whether it succeeded. An error means the outcome is unknown.
type Decider interface {
	Decide(ctx context.Context, orderID models.ID) (bool, error)
}

// DeciderFunc adapts a function to Decider
type DeciderFunc func(ctx context.Context, orderID models.ID) (bool, error)

func (f DeciderFunc) Decide(ctx context.Context, orderID models.ID) (bool, error) {
	return f(ctx, orderID)
}

// FixedDecider always reports the same outcome
func FixedDecider(success bool) Decider {
	return DeciderFunc(func(context.Context, models.ID) (bool, error) {
		return success, nil
	})
}

// RandomDecider succeeds with a fixed probability. It simulates an external
// service whose outcome the saga cannot predict.
type RandomDecider struct {
	mu          sync.Mutex
	successRate float64
	rnd         *rand.Rand
}

// NewRandomDecider creates a decider succeeding with probability successRate
func NewRandomDecider(successRate float64) *RandomDecider {
	return NewSeededRandomDecider(successRate, rand.Uint64())
}

// NewSeededRandomDecider creates a reproducible RandomDecider
func NewSeededRandomDecider(successRate float64, seed uint64) *RandomDecider {
	return &RandomDecider{
		successRate: min(max(successRate, 0), 1),
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (d *RandomDecider) Decide(ctx context.Context, _ models.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.Lock()
	roll := d.rnd.Float64()
	d.mu.Unlock()

	return roll < d.successRate, nil
}

// WithLatency delays every decision, simulating a remote call
func WithLatency(decider Decider, latency time.Duration) Decider {
	if latency <= 0 {
		return decider
	}

	return DeciderFunc(func(ctx context.Context, orderID models.ID) (bool, error) {
		timer := time.NewTimer(latency)
		defer timer.Stop()

		select {
		case <-timer.C:
			return decider.Decide(ctx, orderID)
		case <-ctx.Done():
			return false, errors.Wrap(ctx.Err(), "decision cancelled")
		}
	})
}

// RetryPolicy controls how decider errors are retried
type RetryPolicy struct {
	MaxRetries      uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// WithRetry retries decider errors with exponential backoff. Errors wrapped
// with backoff.Permanent are not retried.
func WithRetry(decider Decider, policy RetryPolicy) Decider {
	if policy.MaxRetries == 0 {
		return decider
	}

	return DeciderFunc(func(ctx context.Context, orderID models.ID) (bool, error) {
		b := backoff.NewExponentialBackOff()
		if policy.InitialInterval > 0 {
			b.InitialInterval = policy.InitialInterval
		}
		if policy.MaxInterval > 0 {
			b.MaxInterval = policy.MaxInterval
		}

		success, err := backoff.Retry(ctx, func() (bool, error) {
			return decider.Decide(ctx, orderID)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(policy.MaxRetries+1),
		)
		if err != nil {
			return false, errors.Wrapf(err, "decision failed after %d retries", policy.MaxRetries)
		}
		return success, nil
	})
}
