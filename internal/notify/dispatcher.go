package notify

import (
	"context"
	"sync"
)

const defaultStreamBuffer = 16

// Dispatcher fans events out to in-process subscribers such as SSE streams.
// Slow subscribers miss events rather than stall publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
	bufferSize  int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]chan Event),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe registers a stream that lives until ctx is done or the returned
// cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, d.bufferSize)
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Notify publishes without blocking.
func (d *Dispatcher) Notify(_ context.Context, event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers {
		select {
		case stream <- event:
		default:
		}
	}
}

// Subscribers reports the number of live streams.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
