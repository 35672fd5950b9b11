package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an append-only, timestamped occurrence on a device.
type Event struct {
	DeviceID  string         `json:"device_id"`
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventSink receives device events in emission order.
type EventSink interface {
	HandleEvent(event Event) error
}

// PropertySink is implemented by sinks that also want property changes.
// A sink subscribed to the bus that implements it receives property changes
// interleaved with events in the order they happened.
type PropertySink interface {
	HandlePropertyChange(change PropertyChange) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event Event) error

// HandleEvent calls f(event).
func (f EventSinkFunc) HandleEvent(event Event) error { return f(event) }

// DeliveryFailure describes a sink that rejected a message.
type DeliveryFailure struct {
	SinkID string
	Event  *Event
	Change *PropertyChange
	Err    error
}

// BusStats contains event bus counters.
type BusStats struct {
	Emitted   uint64 `json:"emitted"`
	Changes   uint64 `json:"changes"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Queued    int    `json:"queued"`
	Sinks     int    `json:"sinks"`
}

const (
	defaultBusCapacity  = 256
	defaultDrainTimeout = 2 * time.Second
)

type envelope struct {
	event  *Event
	change *PropertyChange
	flush  chan struct{}
}

type sinkEntry struct {
	id   string
	sink EventSink
}

// EventBus queues events and property changes for one device and delivers
// them to subscribed sinks from a single goroutine.
//
// Emit never blocks: when the queue is full the event is dropped and
// ErrBusFull returned. Emission order per device is preserved.
//
// Thread Safety: All methods are safe for concurrent use.
type EventBus struct {
	deviceID     string
	now          func() time.Time
	drainTimeout time.Duration

	// mu guards closed and sends on queue.
	mu     sync.RWMutex
	closed bool

	sinkMu    sync.RWMutex
	sinks     []sinkEntry
	onFailure func(DeliveryFailure)

	queue chan envelope
	done  chan struct{}

	emitted   atomic.Uint64
	changes   atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewEventBus creates a bus with the given queue capacity and starts its
// delivery goroutine. Close releases it.
func NewEventBus(deviceID string, capacity int) *EventBus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	b := &EventBus{
		deviceID:     deviceID,
		now:          time.Now,
		drainTimeout: defaultDrainTimeout,
		queue:        make(chan envelope, capacity),
		done:         make(chan struct{}),
	}
	go b.deliver()
	return b
}

// SetFailureHandler installs a callback for sink errors.
// The callback runs on the delivery goroutine.
func (b *EventBus) SetFailureHandler(fn func(DeliveryFailure)) {
	b.sinkMu.Lock()
	b.onFailure = fn
	b.sinkMu.Unlock()
}

// Subscribe attaches a sink under id.
func (b *EventBus) Subscribe(id string, sink EventSink) error {
	if id == "" {
		return ErrEmptyName
	}
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()

	for _, e := range b.sinks {
		if e.id == id {
			return fmt.Errorf("%w: %s", ErrDuplicateSink, id)
		}
	}
	b.sinks = append(b.sinks, sinkEntry{id: id, sink: sink})
	return nil
}

// Unsubscribe detaches the sink registered under id.
func (b *EventBus) Unsubscribe(id string) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()

	for i, e := range b.sinks {
		if e.id == id {
			b.sinks = append(b.sinks[:i:i], b.sinks[i+1:]...)
			return
		}
	}
}

// Emit queues an event. The payload must not be modified after the call.
//
// Errors: ErrEmptyName, ErrBusClosed, ErrNoSink when nothing is subscribed,
// ErrBusFull when the queue is saturated.
func (b *EventBus) Emit(name string, payload map[string]any) error {
	if name == "" {
		return ErrEmptyName
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("%w: %s", ErrBusClosed, name)
	}
	b.emitted.Add(1)
	if b.sinkCount() == 0 {
		b.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrNoSink, name)
	}

	ev := &Event{
		DeviceID:  b.deviceID,
		Name:      name,
		Timestamp: b.now(),
		Payload:   payload,
	}
	select {
	case b.queue <- envelope{event: ev}:
		return nil
	default:
		b.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrBusFull, name)
	}
}

// PublishChange queues a property change for sinks implementing PropertySink.
func (b *EventBus) PublishChange(change PropertyChange) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	b.changes.Add(1)
	if !b.hasPropertySink() {
		return ErrNoSink
	}
	select {
	case b.queue <- envelope{change: &change}:
		return nil
	default:
		b.dropped.Add(1)
		return fmt.Errorf("%w: property %s", ErrBusFull, change.Name)
	}
}

func (b *EventBus) sinkCount() int {
	b.sinkMu.RLock()
	defer b.sinkMu.RUnlock()
	return len(b.sinks)
}

// hasPropertySink reports whether any sink accepts property changes.
func (b *EventBus) hasPropertySink() bool {
	b.sinkMu.RLock()
	defer b.sinkMu.RUnlock()
	for _, e := range b.sinks {
		if _, ok := e.sink.(PropertySink); ok {
			return true
		}
	}
	return false
}

// Flush blocks until every message queued before the call has been delivered.
func (b *EventBus) Flush(ctx context.Context) error {
	marker := make(chan struct{})

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	select {
	case b.queue <- envelope{flush: marker}:
	case <-ctx.Done():
		b.mu.RUnlock()
		return ctx.Err()
	}
	b.mu.RUnlock()

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
// Close is idempotent.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-time.After(b.drainTimeout):
		return fmt.Errorf("%w: %s", ErrDrainTimeout, b.deviceID)
	}
}

// Stats returns a snapshot of bus counters.
func (b *EventBus) Stats() BusStats {
	sinks := b.sinkCount()

	return BusStats{
		Emitted:   b.emitted.Load(),
		Changes:   b.changes.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
		Queued:    len(b.queue),
		Sinks:     sinks,
	}
}

// deliver drains the queue until it is closed.
func (b *EventBus) deliver() {
	defer close(b.done)

	for env := range b.queue {
		if env.flush != nil {
			close(env.flush)
			continue
		}

		b.sinkMu.RLock()
		sinks := make([]sinkEntry, len(b.sinks))
		copy(sinks, b.sinks)
		onFailure := b.onFailure
		b.sinkMu.RUnlock()

		for _, e := range sinks {
			var err error
			switch {
			case env.event != nil:
				err = e.sink.HandleEvent(*env.event)
			case env.change != nil:
				ps, ok := e.sink.(PropertySink)
				if !ok {
					continue
				}
				err = ps.HandlePropertyChange(*env.change)
			}
			if err != nil {
				b.failed.Add(1)
				if onFailure != nil {
					onFailure(DeliveryFailure{SinkID: e.id, Event: env.event, Change: env.change, Err: err})
				}
				continue
			}
			b.delivered.Add(1)
		}
	}
}
