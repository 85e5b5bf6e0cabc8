// Package pushserver is an in-memory push server for local runs and tests.
// It serves each topic as an SSE stream and a WebSocket, accepts published
// payloads over HTTP, and answers the REST reads the client needs from the
// incidents it has seen.
package pushserver

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is how many messages a subscriber may lag behind before
// it starts missing them.
const subscriberBuffer = 32

// Message is one published event.
type Message struct {
	ID    string
	Event string
	Data  []byte
}

// Broker fans messages of one topic out to its subscribers.
type Broker struct {
	mu     sync.RWMutex
	nextID atomic.Int64
	nextCh int64
	subs   map[int64]chan Message

	dropped atomic.Uint64
}

// NewBroker creates a Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]chan Message)}
}

// Publish assigns msg an id and broadcasts it. Slow subscribers miss the
// message instead of blocking the publisher. It returns the assigned id.
func (b *Broker) Publish(event string, data []byte) Message {
	msg := Message{
		ID:    strconv.FormatInt(b.nextID.Add(1), 10),
		Event: event,
		Data:  data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return msg
}

// Subscribe registers a subscriber. The channel is closed by cancel.
func (b *Broker) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	b.nextCh++
	id := b.nextCh
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// closeAll disconnects every subscriber.
func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
