package mesh

import (
	"sync"

	"github.com/peermesh/peermesh/pkg/protocol"
)

// EventKind is the closed set of observable SDK events. Each kind uses the
// same fixed Event payload; fields not relevant to a kind stay zero.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventPeerConnected
	EventPeerDisconnected
	EventDataChannelOpen
	EventDataChannelClose
	EventDataReceived
	EventListing
	EventAlert
	EventError
)

// Event is the payload delivered to listeners.
type Event struct {
	Kind     EventKind
	UUID     string
	Role     protocol.Role
	StreamID string
	Data     []byte
	Message  string
	Err      error
}

// Listener observes events. Listeners run synchronously on the emitting
// goroutine and must not block.
type Listener func(Event)

type eventBus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[EventKind]map[int]Listener
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[EventKind]map[int]Listener)}
}

func (b *eventBus) on(kind EventKind, fn Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.listeners[kind] == nil {
		b.listeners[kind] = make(map[int]Listener)
	}
	b.listeners[kind][b.nextID] = fn
	return b.nextID
}

func (b *eventBus) off(kind EventKind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners[kind], id)
}

func (b *eventBus) emit(ev Event) {
	b.mu.RLock()
	fns := make([]Listener, 0, len(b.listeners[ev.Kind]))
	for _, fn := range b.listeners[ev.Kind] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
