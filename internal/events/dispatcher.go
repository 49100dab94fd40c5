package events

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
)

// Kind names a class of local change.
type Kind string

const (
	KindEntitiesChanged      Kind = "entities-changed"
	KindPeopleChanged        Kind = "people-changed"
	KindQueueChanged         Kind = "queue-changed"
	KindTitlesChanged        Kind = "titles-changed"
	KindStatusChanged        Kind = "status-changed"
	KindConflictAcknowledged Kind = "conflict-acknowledged"
)

const defaultBufferSize = 16

// Event tells subscribers which cached records changed. Subscribers re-read the store.
type Event struct {
	Kind       Kind                 `json:"kind"`
	CatalogIDs []library.CatalogID  `json:"catalog_ids,omitempty"`
	People     []library.PersonName `json:"people,omitempty"`
	Detail     string               `json:"detail,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Publisher accepts events. A nil *Dispatcher is a valid no-op Publisher.
type Publisher interface {
	Publish(event Event)
}

// Dispatcher fans events out to subscribers. Slow subscribers lose events instead of blocking writers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	kinds  map[Kind]bool
	stream chan Event
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers for the given kinds, or for everything when none are given.
// The subscription ends when ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Event, func()) {
	if d == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = true
		}
	}
	d.register(sub)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every interested subscriber without blocking.
func (d *Dispatcher) Publish(event Event) {
	if d == nil || event.Kind == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers {
		if sub.kinds != nil && !sub.kinds[event.Kind] {
			continue
		}
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// Close ends every subscription.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, sub := range d.subscribers {
		close(sub.stream)
		delete(d.subscribers, id)
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[sub.id] = sub
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subscribers[id]; ok {
		close(sub.stream)
		delete(d.subscribers, id)
	}
}
