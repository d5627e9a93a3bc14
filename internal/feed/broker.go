package feed

import (
	"context"
	"sync"
)

// Broker fans one source out to many subscribers (one per client session).
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a func that removes it.
func (b *Broker) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber. It is a Handler, so it can be
// passed straight to Source.Listen.
func (b *Broker) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}

func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
