package saga

import (
	"context"
	"sync"

	"github.com/draftea/order-saga/shared/events"
	"github.com/pkg/errors"
)

type chainKey struct{}

// chain is the FIFO of events produced while one external publish is being
// delivered. Once drained it is marked done and further pushes are refused,
// which makes a late publish with a stale context start a chain of its own.
type chain struct {
	mu     sync.Mutex
	queue  []*events.Event
	pushed int
	limit  int
	done   bool
}

func newChain(limit int, initial []*events.Event) *chain {
	queue := make([]*events.Event, 0, len(initial)+4)
	queue = append(queue, initial...)
	return &chain{
		queue:  queue,
		pushed: len(initial),
		limit:  limit,
	}
}

func withChain(ctx context.Context, c *chain) context.Context {
	return context.WithValue(ctx, chainKey{}, c)
}

func chainFromContext(ctx context.Context) *chain {
	c, _ := ctx.Value(chainKey{}).(*chain)
	return c
}

func (c *chain) push(evts ...*events.Event) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return false, nil
	}

	if c.pushed+len(evts) > c.limit {
		return false, errors.Wrapf(ErrChainLimitExceeded, "limit %d", c.limit)
	}

	c.queue = append(c.queue, evts...)
	c.pushed += len(evts)
	return true, nil
}

func (c *chain) next() (*events.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		c.done = true
		return nil, false
	}

	e := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return e, true
}

func (c *chain) finish() {
	c.mu.Lock()
	c.done = true
	c.queue = nil
	c.mu.Unlock()
}
