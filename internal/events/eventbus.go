// Package events provides an ordered, non-blocking broadcast bus.
//
// A single dispatcher goroutine takes events off the bus queue in publish
// order and hands each one to every subscriber channel and registered
// consumer. Every subscriber therefore sees events in publish order and at
// most once. TryPublish never blocks: when the bus queue is full the event is
// dropped and counted. Delivery never blocks either, so a subscriber whose
// channel is full misses that event.
//
// A bus created WithGuaranteedDelivery instead gives every subscriber an
// unbounded queue fed at publish time and drained into its channel by a pump
// goroutine. Nothing is dropped for a slow subscriber; publishing fails only
// once the bus is closed. Subscriber channels close after the queued events
// have been received, or when the subscription is cancelled.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

// DefaultBufferSize is the bus queue size used when none is given
const DefaultBufferSize = 256

// ErrBusClosed is returned when publishing or subscribing after Close
var ErrBusClosed = errors.NewStd("event bus closed")

type subscriber[T any] struct {
	id uint64
	ch chan T

	// guaranteed delivery only
	queue  *fifo[T]
	cancel chan struct{}
}

// Bus is a typed event bus
type Bus[T any] struct {
	name      string
	eventChan chan T

	mu          sync.RWMutex
	subscribers map[uint64]*subscriber[T]
	consumers   []Consumer[T]
	nextID      uint64
	closed      bool
	guaranteed  bool

	closeOnce sync.Once
	stopped   atomic.Bool
	stop      chan struct{}
	done      chan struct{}

	received   atomic.Uint64
	dropped    atomic.Uint64
	processed  atomic.Uint64
	deliveries atomic.Uint64
	slowDrops  atomic.Uint64
	consErrors atomic.Uint64

	log logger.Logger
}

// Option configures a Bus
type Option func(*busOptions)

type busOptions struct {
	bufferSize int
	guaranteed bool
	log        logger.Logger
}

// WithBufferSize sets the bus queue size
func WithBufferSize(n int) Option {
	return func(o *busOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithGuaranteedDelivery makes every published event reach every live
// subscriber exactly once, in publish order, however slowly it reads
func WithGuaranteedDelivery() Option {
	return func(o *busOptions) { o.guaranteed = true }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(o *busOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// New creates a bus and starts its dispatcher. Close stops it.
func New[T any](name string, opts ...Option) *Bus[T] {
	o := busOptions{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global().Module(logger.ModuleEvents)
	}

	b := &Bus[T]{
		name:        name,
		eventChan:   make(chan T, o.bufferSize),
		subscribers: make(map[uint64]*subscriber[T]),
		guaranteed:  o.guaranteed,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		log:         o.log.With(logger.String("bus", name)),
	}
	go b.dispatch()
	return b
}

// TryPublish queues event without blocking. It returns false when the event
// was dropped because the queue is full or the bus is closed.
func (b *Bus[T]) TryPublish(event T) bool {
	if b.stopped.Load() {
		return false
	}
	if b.guaranteed {
		return b.fanOut(event)
	}
	select {
	case b.eventChan <- event:
		b.received.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.log.Debug("event dropped due to full buffer")
		return false
	}
}

// Publish queues event, waiting for space until ctx is done or the bus closes
func (b *Bus[T]) Publish(ctx context.Context, event T) error {
	if b.stopped.Load() {
		return b.closedError()
	}
	if b.guaranteed {
		if !b.fanOut(event) {
			return b.closedError()
		}
		return nil
	}
	select {
	case b.eventChan <- event:
		b.received.Add(1)
		return nil
	case <-ctx.Done():
		return errors.New(ctx.Err()).
			Component(logger.ModuleEvents).
			Category(errors.CategoryCancellation).
			Build()
	case <-b.stop:
		return b.closedError()
	}
}

func (b *Bus[T]) closedError() error {
	return errors.New(ErrBusClosed).
		Component(logger.ModuleEvents).
		Category(errors.CategoryState).
		Context("bus", b.name).
		Build()
}

// Subscribe returns a channel receiving every event published after the
// call, and a function that cancels the subscription and closes the channel.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	sub := &subscriber[T]{id: b.nextID, ch: ch}
	b.subscribers[sub.id] = sub

	var once sync.Once
	if b.guaranteed {
		sub.queue = newFIFO[T]()
		sub.cancel = make(chan struct{})
		go b.pump(sub)
		return ch, func() {
			once.Do(func() {
				b.mu.Lock()
				delete(b.subscribers, sub.id)
				b.mu.Unlock()
				close(sub.cancel)
			})
		}
	}
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[sub.id]; ok {
				delete(b.subscribers, sub.id)
				close(sub.ch)
			}
		})
	}
}

// fanOut queues event on every subscriber. The write lock keeps the order
// identical across subscribers when publishers race. Consumers still run on
// the dispatcher.
func (b *Bus[T]) fanOut(event T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	for _, sub := range b.subscribers {
		sub.queue.push(event)
	}
	hasConsumers := len(b.consumers) > 0
	b.mu.Unlock()
	b.received.Add(1)

	if !hasConsumers {
		b.processed.Add(1)
		return true
	}
	select {
	case b.eventChan <- event:
	default:
		b.dropped.Add(1)
		b.log.Error("event not handed to consumers, bus queue full")
	}
	return true
}

// pump moves queued events into the subscriber channel. It owns closing the
// channel: after the queue is closed and emptied, or on cancel.
func (b *Bus[T]) pump(sub *subscriber[T]) {
	defer close(sub.ch)
	for {
		event, ok, done := sub.queue.pop()
		if done {
			return
		}
		if !ok {
			select {
			case <-sub.queue.ready:
			case <-sub.cancel:
				return
			}
			continue
		}
		select {
		case sub.ch <- event:
			b.deliveries.Add(1)
		case <-sub.cancel:
			return
		}
	}
}

// RegisterConsumer adds a consumer called for every event
func (b *Bus[T]) RegisterConsumer(c Consumer[T]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.closedError()
	}
	for _, existing := range b.consumers {
		if existing.Name() == c.Name() {
			return errors.Newf("consumer %s already registered", c.Name()).
				Component(logger.ModuleEvents).
				Category(errors.CategoryConflict).
				Build()
		}
	}
	b.consumers = append(b.consumers, c)
	b.log.Debug("registered event consumer", logger.String("consumer", c.Name()))
	return nil
}

func (b *Bus[T]) dispatch() {
	defer close(b.done)
	for {
		select {
		case event := <-b.eventChan:
			b.deliver(event)
		case <-b.stop:
			for {
				select {
				case event := <-b.eventChan:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus[T]) deliver(event T) {
	b.processed.Add(1)

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if sub.queue != nil {
			// queued at publish time
			continue
		}
		select {
		case sub.ch <- event:
			b.deliveries.Add(1)
		default:
			b.slowDrops.Add(1)
		}
	}
	consumers := b.consumers
	b.mu.RUnlock()

	for _, c := range consumers {
		b.runConsumer(c, event)
	}
}

func (b *Bus[T]) runConsumer(c Consumer[T], event T) {
	defer func() {
		if r := recover(); r != nil {
			b.consErrors.Add(1)
			b.log.Error("consumer panicked",
				logger.String("consumer", c.Name()),
				logger.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := c.ProcessEvent(event); err != nil {
		b.consErrors.Add(1)
		b.log.Warn("consumer error",
			logger.String("consumer", c.Name()),
			logger.Error(err))
	}
}

// Close stops accepting events, delivers what is queued, closes every
// subscriber channel and waits for the dispatcher to exit.
func (b *Bus[T]) Close() {
	b.closeOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stop)
		<-b.done

		b.mu.Lock()
		b.closed = true
		for id, sub := range b.subscribers {
			if sub.queue != nil {
				// the pump closes the channel once the queue is drained
				sub.queue.close()
			} else {
				close(sub.ch)
			}
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}

// Stats returns runtime statistics
func (b *Bus[T]) Stats() Stats {
	b.mu.RLock()
	subs, cons := len(b.subscribers), len(b.consumers)
	b.mu.RUnlock()
	return Stats{
		EventsReceived:  b.received.Load(),
		EventsDropped:   b.dropped.Load(),
		EventsProcessed: b.processed.Load(),
		Deliveries:      b.deliveries.Load(),
		SlowDrops:       b.slowDrops.Load(),
		ConsumerErrors:  b.consErrors.Load(),
		Subscribers:     subs,
		Consumers:       cons,
	}
}

// Name returns the bus name
func (b *Bus[T]) Name() string { return b.name }
