package events

// Consumer processes events delivered by a Bus. ProcessEvent runs on the
// bus dispatcher goroutine and must not block for long.
type Consumer[T any] interface {
	Name() string
	ProcessEvent(event T) error
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc[T any] struct {
	ConsumerName string
	Fn           func(T) error
}

// Name implements Consumer
func (c ConsumerFunc[T]) Name() string { return c.ConsumerName }

// ProcessEvent implements Consumer
func (c ConsumerFunc[T]) ProcessEvent(event T) error { return c.Fn(event) }

// Stats contains runtime statistics for monitoring
type Stats struct {
	EventsReceived  uint64 // accepted by Publish
	EventsDropped   uint64 // rejected because the bus queue was full
	EventsProcessed uint64 // taken off the queue by the dispatcher
	Deliveries      uint64 // successful subscriber channel sends
	SlowDrops       uint64 // subscriber channel was full
	ConsumerErrors  uint64 // consumer returned an error or panicked
	Subscribers     int
	Consumers       int
}
