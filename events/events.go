// Package events provides a typed payment lifecycle event bus with a
// bounded ring buffer of recent events. Emits deliver to subscribers
// sequentially; a panicking subscriber is logged and never aborts the
// emitting call site.
package events

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Type names a payment lifecycle event.
type Type string

const (
	PaymentInitiated Type = "payment:initiated"
	PaymentSigned    Type = "payment:signed"
	PaymentVerified  Type = "payment:verified"
	PaymentSettled   Type = "payment:settled"
	PaymentFailed    Type = "payment:failed"
	PaymentRefunded  Type = "payment:refunded"
	StreamStarted    Type = "payment:stream_started"
	StreamChunk      Type = "payment:stream_chunk"
	StreamEnded      Type = "payment:stream_ended"
)

// knownTypes guards On against typo'd event names.
var knownTypes = map[Type]bool{
	PaymentInitiated: true,
	PaymentSigned:    true,
	PaymentVerified:  true,
	PaymentSettled:   true,
	PaymentFailed:    true,
	PaymentRefunded:  true,
	StreamStarted:    true,
	StreamChunk:      true,
	StreamEnded:      true,
}

// Event is an immutable lifecycle record.
type Event struct {
	Type      Type
	Timestamp time.Time
	URL       string
	Amount    string
	Network   string
	TxHash    string
	Error     string
	Metadata  map[string]interface{}
}

// Listener receives events. Listeners run on the emitter's goroutine.
type Listener func(Event)

// DefaultHistorySize is the ring buffer capacity when none is configured.
const DefaultHistorySize = 1000

// Bus dispatches typed events to subscribers and records them in a
// bounded ring buffer. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Type]map[int]Listener
	global    map[int]Listener
	nextID    int

	history []Event
	head    int
	full    bool

	logger *slog.Logger
}

// NewBus creates a Bus with the given ring buffer size (0 uses
// DefaultHistorySize).
func NewBus(historySize int) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		listeners: make(map[Type]map[int]Listener),
		global:    make(map[int]Listener),
		history:   make([]Event, historySize),
		logger:    slog.Default(),
	}
}

// SetLogger replaces the logger used for swallowed listener panics.
func (b *Bus) SetLogger(logger *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if logger != nil {
		b.logger = logger
	}
}

// On subscribes fn to events of the given type and returns an
// unsubscribe handle. Unknown types return a no-op handle.
func (b *Bus) On(t Type, fn Listener) (unsubscribe func()) {
	if !knownTypes[t] || fn == nil {
		return func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.listeners[t] == nil {
		b.listeners[t] = make(map[int]Listener)
	}
	b.listeners[t][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[t], id)
	}
}

// OnAll subscribes fn to every event type.
func (b *Bus) OnAll(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.global[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.global, id)
	}
}

// Emit records the event and delivers it to type and global subscribers
// in subscription order. Delivery is synchronous: every listener has
// run before Emit returns.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history[b.head] = event
	b.head = (b.head + 1) % len(b.history)
	if b.head == 0 {
		b.full = true
	}

	typed := b.listeners[event.Type]
	targets := make([]Listener, 0, len(typed)+len(b.global))
	for _, id := range sortedIDs(typed) {
		targets = append(targets, typed[id])
	}
	for _, id := range sortedIDs(b.global) {
		targets = append(targets, b.global[id])
	}
	logger := b.logger
	b.mu.Unlock()

	for _, fn := range targets {
		b.deliver(logger, fn, event)
	}
}

// sortedIDs returns map keys ascending. IDs are allocated
// monotonically, so ascending order is subscription order.
func sortedIDs(m map[int]Listener) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (b *Bus) deliver(logger *slog.Logger, fn Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("event listener panicked", "type", string(event.Type), "panic", r)
		}
	}()
	fn(event)
}

// History returns the buffered events, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		out := make([]Event, b.head)
		copy(out, b.history[:b.head])
		return out
	}
	out := make([]Event, len(b.history))
	copy(out, b.history[b.head:])
	copy(out[len(b.history)-b.head:], b.history[:b.head])
	return out
}
