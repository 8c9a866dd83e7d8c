package sshpool

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events stored per endpoint.
const eventBufferSize = 100

// PoolEventType names a step in a pooled session's lifecycle.
type PoolEventType string

const (
	EventCreated    PoolEventType = "created"
	EventReused     PoolEventType = "reused"
	EventEvicted    PoolEventType = "evicted"
	EventReclaimed  PoolEventType = "reclaimed"
	EventRemoved    PoolEventType = "removed"
	EventDialFailed PoolEventType = "dial_failed"
)

// PoolEvent records one lifecycle step for an endpoint.
type PoolEvent struct {
	Endpoint  string        `json:"endpoint"`
	Type      PoolEventType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Details   string        `json:"details,omitempty"`
}

// EventListener is called synchronously for every event, never with pool
// locks held. Long-running handlers should spawn goroutines.
type EventListener func(event PoolEvent)

// eventBuffer is a fixed-size ring buffer of PoolEvents for one endpoint.
type eventBuffer struct {
	events [eventBufferSize]PoolEvent
	head   int // next write position
	count  int // capped at eventBufferSize
}

func (b *eventBuffer) record(event PoolEvent) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events oldest first.
func (b *eventBuffer) history() []PoolEvent {
	if b.count == 0 {
		return nil
	}
	result := make([]PoolEvent, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		// Buffer is full: head is the oldest entry.
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

type eventLog struct {
	mu        sync.RWMutex
	buffers   map[string]*eventBuffer
	listeners []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[string]*eventBuffer)}
}

func (el *eventLog) record(event PoolEvent) []EventListener {
	el.mu.Lock()
	defer el.mu.Unlock()

	buf, ok := el.buffers[event.Endpoint]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[event.Endpoint] = buf
	}
	buf.record(event)

	listeners := make([]EventListener, len(el.listeners))
	copy(listeners, el.listeners)
	return listeners
}

// emit records an event, bumps its counter and notifies listeners.
func (p *Pool) emit(name string, typ PoolEventType, details string) {
	event := PoolEvent{
		Endpoint:  name,
		Type:      typ,
		Timestamp: p.nowFunc(),
		Details:   details,
	}
	p.metrics.countEvent(typ)
	for _, l := range p.events.record(event) {
		l(event)
	}
}

// OnEvent registers a listener for pool lifecycle events.
func (p *Pool) OnEvent(listener EventListener) {
	p.events.mu.Lock()
	defer p.events.mu.Unlock()
	p.events.listeners = append(p.events.listeners, listener)
}

// Events returns the event history for an endpoint, oldest first.
// Up to 100 events are retained per endpoint.
func (p *Pool) Events(name string) []PoolEvent {
	p.events.mu.RLock()
	defer p.events.mu.RUnlock()
	buf, ok := p.events.buffers[name]
	if !ok {
		return nil
	}
	return buf.history()
}

// AllEvents returns event histories for every endpoint seen so far.
func (p *Pool) AllEvents() map[string][]PoolEvent {
	p.events.mu.RLock()
	defer p.events.mu.RUnlock()
	result := make(map[string][]PoolEvent, len(p.events.buffers))
	for name, buf := range p.events.buffers {
		if events := buf.history(); events != nil {
			result[name] = events
		}
	}
	return result
}
