// Package events fans storage change notifications out to in-process subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

// Operation names the write that produced an event.
type Operation string

const (
	OperationCreated Operation = "created"
	OperationUpdated Operation = "updated"
	OperationDeleted Operation = "deleted"
)

const defaultBufferSize = 16

// Change describes committed writes to one table.
type Change struct {
	Table     string
	Operation Operation
	IDs       []string
	Timestamp time.Time
}

// Bus delivers Changes to subscribers of a table. Subscribers that fall
// behind lose events instead of blocking writers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Change
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe streams changes to table until ctx is done or cleanup is called.
// An empty table subscribes to every table.
func (b *Bus) Subscribe(ctx context.Context, table string) (<-chan Change, func()) {
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Change, b.bufferSize),
	}
	b.register(table, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { b.unregister(table, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers change to the subscribers of its table and to those of every table.
func (b *Bus) Publish(change Change) {
	if change.Table == "" || change.Operation == "" {
		return
	}
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers[change.Table])+len(b.subscribers[""]))
	for _, sub := range b.subscribers[change.Table] {
		targets = append(targets, sub)
	}
	for _, sub := range b.subscribers[""] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- change:
		default:
		}
	}
}

func (b *Bus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Bus) register(table string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[table]; !ok {
		b.subscribers[table] = make(map[int64]*subscriber)
	}
	b.subscribers[table][sub.id] = sub
}

func (b *Bus) unregister(table string, id int64) {
	b.mu.Lock()
	subscribers := b.subscribers[table]
	if subscribers != nil {
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(b.subscribers, table)
		}
	}
	b.mu.Unlock()
}
