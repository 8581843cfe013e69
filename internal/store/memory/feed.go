package memory

import (
	"context"
	"sync"

	"github.com/spigell/cv-matcher/internal/store"
)

const subscriberBuffer = 64

// Broker fans change events out to subscribers.
type Broker struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	filter store.Filter

	mu     sync.Mutex
	ch     chan store.ChangeEvent
	done   chan struct{}
	closed bool
	once   sync.Once
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

func (b *Broker) Subscribe(ctx context.Context, filter store.Filter) (<-chan store.ChangeEvent, func(), error) {
	sub := &subscriber{
		filter: filter,
		ch:     make(chan store.ChangeEvent, subscriberBuffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			close(sub.done)
			sub.mu.Lock()
			sub.closed = true
			close(sub.ch)
			sub.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub.ch, cancel, nil
}

// Publish delivers ev to every matching subscriber, waiting for buffer space.
func (b *Broker) Publish(ev store.ChangeEvent) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Match(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.send(ev)
	}
}

func (s *subscriber) send(ev store.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
