// Package events provides the in-process fan-out of queue events.
package events

import (
	"sync"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// DefaultBufferSize is the capacity of each subscriber channel.
const DefaultBufferSize = 100

// Bus fans events out to subscriber channels. Emit never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan core.Event
	buffer int
}

var _ core.Emitter = (*Bus)(nil)

// NewBus creates a bus whose subscriber channels hold bufferSize events.
// bufferSize <= 0 selects DefaultBufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{buffer: bufferSize}
}

// Subscribe returns a channel for receiving events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (b *Bus) Subscribe() <-chan core.Event {
	ch := make(chan core.Event, b.buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Subscribe.
// The channel is not closed; callers must stop reading before calling Unsubscribe.
// After Unsubscribe returns, no further events will be sent to the channel.
func (b *Bus) Unsubscribe(ch <-chan core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit sends e to all subscribers.
func (b *Bus) Emit(e core.Event) {
	if b == nil || e == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Drop if full - this prevents blocking on slow consumers
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Nop discards every event.
var Nop core.Emitter = core.EmitterFunc(func(core.Event) {})

// Multi returns an emitter that forwards each event to every non-nil emitter.
func Multi(emitters ...core.Emitter) core.Emitter {
	var list []core.Emitter
	for _, e := range emitters {
		if e != nil {
			list = append(list, e)
		}
	}
	return core.EmitterFunc(func(ev core.Event) {
		for _, e := range list {
			e.Emit(ev)
		}
	})
}
