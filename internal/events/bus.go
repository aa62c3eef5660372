// Package events provides the in-process pub/sub bus that carries committed
// turn and lifecycle notifications to downstream consumers (real-time push,
// intelligence layer). Publishing never blocks the ingestion path: slow
// subscribers drop events with a warning rather than stall a commit.
package events

import (
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the channel capacity each subscriber gets
	// unless the bus was built with WithBufferSize.
	DefaultBufferSize = 100

	// EventTypeTurnCreated identifies newly persisted turns.
	EventTypeTurnCreated = "TurnCreated"
	// EventTypeTurnCorrected identifies reconciler timestamp corrections.
	EventTypeTurnCorrected = "TurnCorrected"
	// EventTypeStateChanged identifies committed lifecycle transitions.
	EventTypeStateChanged = "StateChanged"
	// EventTypeAgentRetired identifies agents reaped for inactivity.
	EventTypeAgentRetired = "AgentRetired"
	// EventTypeHealthCheck identifies periodic ingestion health signals.
	EventTypeHealthCheck = "HealthCheck"
	// EventTypeSystemAlert identifies operational signals such as a
	// reconciliation pass blowing its hard ceiling.
	EventTypeSystemAlert = "SystemAlert"
)

// Severity levels carried on Event.Severity.
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is what travels over the bus. EntityType and EntityID name the
// record the event is about (an agent, a command, a turn).
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a published event. Handlers run on a dedicated goroutine
// per subscription, so a slow handler only backs up its own channel.
type Handler func(Event)

// Logger receives the warning emitted when a subscriber's channel is full
// and an event is dropped. The stdlib *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus is what publishers and subscribers program against; InMemoryBus is
// the only implementation.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option adjusts an InMemoryBus at construction time.
type Option func(*InMemoryBus)

// WithBufferSize sets how many events a subscriber can fall behind by
// before Publish starts dropping for it. Non-positive sizes are ignored.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger routes dropped-event warnings somewhere other than the
// process-default logger.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus fans events out to buffered per-subscriber channels. Safe for
// concurrent use.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
}

type subscriber struct {
	id uint64
	ch chan Event
}

// New builds a ready-to-use bus. With no options it buffers
// DefaultBufferSize events per subscriber and warns via log.Default.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.Default(),
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe wires handler to events of one type. Empty types and nil
// handlers are silently ignored; there is no unsubscribe.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
}

// SubscribeAll wires handler to every event regardless of type.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
}

// Publish hands event to every matching subscriber without blocking. A
// zero Timestamp is stamped with the current UTC time.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]*subscriber, []*subscriber) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := make([]*subscriber, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]*subscriber, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s entity_type=%s entity_id=%s",
			sub.id,
			event.Type,
			event.EntityType,
			event.EntityID,
		)
	}
}

func (b *InMemoryBus) newSubscriber() *subscriber {
	b.mu.Lock()
	b.nextSubscriber++
	id := b.nextSubscriber
	b.mu.Unlock()

	return &subscriber{
		id: id,
		ch: make(chan Event, b.bufferSize),
	}
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	for event := range sub.ch {
		handler(event)
	}
}
