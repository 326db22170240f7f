package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/raidcfg/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventObjectCreated      EventType = "object.created"
	EventObjectModified     EventType = "object.modified"
	EventObjectDestroyed    EventType = "object.destroyed"
	EventEncryptionChanged  EventType = "encryption.changed"
	EventGlobalInfoChanged  EventType = "global_info.changed"
	EventDatabaseState      EventType = "database.state_changed"
	EventTransactionAborted EventType = "transaction.aborted"
	EventPeerLost           EventType = "peer.lost"
	EventPeerJoined         EventType = "peer.joined"
)

// Event represents a configuration database event
type Event struct {
	ID            string
	Type          EventType
	Timestamp     time.Time
	ObjectID      types.ObjectID
	Class         types.ClassID
	TransactionID types.TransactionID
	Message       string
	Metadata      map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// filter selects the events a subscriber receives. Empty sets accept everything.
type filter struct {
	classes map[types.ClassID]bool
	types   map[EventType]bool
}

func (f filter) accepts(e *Event) bool {
	if len(f.types) > 0 && !f.types[e.Type] {
		return false
	}
	if len(f.classes) > 0 && !f.classes[e.Class] {
		return false
	}
	return true
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]filter
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]filter),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription that receives every event
func (b *Broker) Subscribe() Subscriber {
	return b.subscribe(filter{})
}

// SubscribeFiltered receives only events about objects of the given classes
func (b *Broker) SubscribeFiltered(classes ...types.ClassID) Subscriber {
	f := filter{classes: make(map[types.ClassID]bool)}
	for _, c := range classes {
		f.classes[c] = true
	}
	return b.subscribe(f)
}

// SubscribeTypes receives only events of the given types
func (b *Broker) SubscribeTypes(eventTypes ...EventType) Subscriber {
	f := filter{types: make(map[EventType]bool)}
	for _, t := range eventTypes {
		f.types[t] = true
	}
	return b.subscribe(f)
}

func (b *Broker) subscribe(f filter) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = f
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for delivery. It never blocks the publisher:
// when the queue is full the event is dropped and counted.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		b.dropped.Add(1)
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, f := range b.subscribers {
		if !f.accepts(event) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped because a queue was full
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
