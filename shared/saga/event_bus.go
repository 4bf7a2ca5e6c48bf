package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBusClosed          = errors.New("event bus is closed")
	ErrChainLimitExceeded = errors.New("event chain limit exceeded")
	ErrHandlerPanic       = errors.New("event handler panicked")
)

const (
	defaultMaxChainEvents = 1024
	defaultQueueSize      = 256
)

var (
	_ events.Publisher  = (*EventBus)(nil)
	_ events.Subscriber = (*EventBus)(nil)
)

// ErrorHook observes handler failures isolated by the bus
type ErrorHook func(ctx context.Context, handlerID string, event *events.Event, err error)

type subscription struct {
	id      string
	topic   events.Topic
	pattern bool
	handler events.EventHandler
}

func (s subscription) matches(topic events.Topic) bool {
	if s.pattern {
		return topic.Matches(s.topic)
	}
	return topic == s.topic
}

type job struct {
	ctx    context.Context
	events []*events.Event
}

// EventBus is the in-process publish/subscribe mechanism connecting the
// orchestrator and the step collaborators.
//
// Every external Publish starts a call chain. Events published by handlers
// while the chain runs are queued behind the current event and delivered by
// the same goroutine, so the causal order of one chain is preserved and a
// handler can publish without deadlocking. With workers enabled, chains are
// routed to a shard by aggregate id and run on that shard's goroutine.
type EventBus struct {
	mu            sync.RWMutex
	subscriptions []subscription

	logger         zerolog.Logger
	errorHook      ErrorHook
	maxChainEvents int
	workers        int
	queueSize      int

	closeMu   sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup
	shards    []chan job
	group     *errgroup.Group
}

// Option configures an EventBus
type Option func(*EventBus)

// WithLogger sets the logger used to report handler failures
func WithLogger(logger zerolog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger.With().Str("component", "event_bus").Logger()
	}
}

// WithErrorHook registers a callback invoked for every isolated handler failure
func WithErrorHook(hook ErrorHook) Option {
	return func(b *EventBus) {
		b.errorHook = hook
	}
}

// WithMaxChainEvents bounds how many events a single call chain may deliver
func WithMaxChainEvents(n int) Option {
	return func(b *EventBus) {
		if n > 0 {
			b.maxChainEvents = n
		}
	}
}

// WithWorkers dispatches on a pool of shard workers instead of the caller's goroutine
func WithWorkers(workers, queueSize int) Option {
	return func(b *EventBus) {
		b.workers = workers
		b.queueSize = queueSize
	}
}

// NewEventBus creates a new event bus. Workers, if configured, start immediately.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		logger:         zerolog.Nop(),
		maxChainEvents: defaultMaxChainEvents,
		closing:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.workers > 0 {
		b.startWorkers()
	}

	return b
}

func (b *EventBus) startWorkers() {
	if b.queueSize <= 0 {
		b.queueSize = defaultQueueSize
	}

	b.group = &errgroup.Group{}
	b.shards = make([]chan job, b.workers)

	for i := range b.shards {
		shard := make(chan job, b.queueSize)
		b.shards[i] = shard

		b.group.Go(func() error {
			for j := range shard {
				b.dispatch(j.ctx, j.events)
			}
			return nil
		})
	}
}

// Subscribe registers a handler for an exact topic
func (b *EventBus) Subscribe(topic events.Topic, handler events.EventHandler) {
	b.subscribe(subscription{id: handlerID(handler), topic: topic, handler: handler})
}

// SubscribePattern registers a handler for every topic matching pattern
func (b *EventBus) SubscribePattern(pattern events.Topic, handler events.EventHandler) {
	b.subscribe(subscription{id: handlerID(handler), topic: pattern, pattern: true, handler: handler})
}

func (b *EventBus) subscribe(sub subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = append(b.subscriptions, sub)

	b.logger.Debug().
		Str("handler", sub.id).
		Str("topic", sub.topic.String()).
		Bool("pattern", sub.pattern).
		Msg("handler subscribed")
}

// Publish delivers the events to every matching handler, in registration order.
// Handler failures are reported, never returned.
func (b *EventBus) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	for _, e := range evts {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	if c := chainFromContext(ctx); c != nil {
		accepted, err := c.push(evts...)
		if err != nil {
			return err
		}
		if accepted {
			return nil
		}
	}

	if b.workers > 0 {
		return b.enqueue(ctx, evts)
	}

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrBusClosed
	}
	b.inflight.Add(1)
	b.closeMu.RUnlock()
	defer b.inflight.Done()

	b.dispatch(context.WithoutCancel(ctx), evts)
	return nil
}

// enqueue routes each event to the shard owning its aggregate. It blocks
// while the target shard is full, until ctx is done or Close starts.
// Handlers running on a worker must publish with the ctx they were given:
// a fresh ctx bypasses the call chain and can wait on the worker's own shard.
func (b *EventBus) enqueue(ctx context.Context, evts []*events.Event) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	detached := context.WithoutCancel(ctx)
	for _, e := range evts {
		shard := b.shards[xxhash.Sum64String(e.AggregateID.String())%uint64(len(b.shards))]

		select {
		case shard <- job{ctx: detached, events: []*events.Event{e}}:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "publish %s cancelled", e.Topic)
		case <-b.closing:
			return ErrBusClosed
		}
	}

	return nil
}

// Close stops accepting events and waits for running chains and the worker
// queues to drain. Publishers blocked on a full shard get ErrBusClosed.
func (b *EventBus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		close(b.closing)
	})

	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	for _, shard := range b.shards {
		close(shard)
	}
	b.closeMu.Unlock()

	done := make(chan error, 1)
	go func() {
		b.inflight.Wait()
		if b.group == nil {
			done <- nil
			return
		}
		done <- b.group.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "event bus drain interrupted")
	}
}

// dispatch runs one call chain to completion
func (b *EventBus) dispatch(ctx context.Context, evts []*events.Event) {
	c := newChain(b.maxChainEvents, evts)
	ctx = withChain(ctx, c)
	defer c.finish()

	for {
		e, ok := c.next()
		if !ok {
			return
		}
		b.deliver(ctx, e)
	}
}

func (b *EventBus) deliver(ctx context.Context, e *events.Event) {
	subs := b.matching(e.Topic)
	if len(subs) == 0 {
		b.logger.Debug().Str("topic", e.Topic.String()).Msg("no handlers registered for topic")
		return
	}

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "saga.dispatch "+e.Topic.String(),
		trace.WithAttributes(
			attribute.String("event.id", e.ID.String()),
			attribute.String("event.topic", e.Topic.String()),
			attribute.String("order.id", e.AggregateID.String()),
		),
	)
	defer span.End()

	for _, sub := range subs {
		if err := invoke(ctx, sub, e); err != nil {
			span.RecordError(err)

			b.logger.Error().
				Err(err).
				Str("handler", sub.id).
				Str("topic", e.Topic.String()).
				Str("event_id", e.ID.String()).
				Str("order_id", e.AggregateID.String()).
				Msg("event handler failed")

			telemetry.RecordCounter(ctx, telemetry.MetricHandlerFailures, "Event handler failures isolated by the bus", 1,
				attribute.String("handler", sub.id),
				attribute.String("topic", e.Topic.String()),
			)

			if b.errorHook != nil {
				b.errorHook(ctx, sub.id, e, err)
			}
		}
	}

	telemetry.RecordCounter(ctx, telemetry.MetricEventsPublished, "Events delivered by the bus", 1,
		attribute.String("topic", e.Topic.String()),
	)
	telemetry.RecordHistogram(ctx, telemetry.MetricDispatchDuration, "Time spent delivering one event to its handlers", time.Since(start).Seconds(),
		attribute.String("topic", e.Topic.String()),
	)
}

func (b *EventBus) matching(topic events.Topic) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var subs []subscription
	for _, sub := range b.subscriptions {
		if sub.matches(topic) {
			subs = append(subs, sub)
		}
	}
	return subs
}

func invoke(ctx context.Context, sub subscription, e *events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrHandlerPanic, "%s: %v", sub.id, r)
		}
	}()

	return sub.handler.Handle(ctx, e)
}

func handlerID(handler events.EventHandler) string {
	if h, ok := handler.(interface{ HandlerID() string }); ok {
		return h.HandlerID()
	}
	return fmt.Sprintf("%T", handler)
}
