package bus

import (
	"fmt"
	"sync"

	"github.com/pactdesk/collab/internal/logging"
)

const subscriberBuffer = 256

// MemoryBus is the in-process Bus implementation. Each subscriber gets a
// dedicated FIFO delivery goroutine, so events published on one topic
// reach every subscriber in publish order without the publisher ever
// blocking on a slow consumer.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	events chan Event
	done   chan struct{}
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]map[uint64]*subscriber),
	}
}

// Publish implements Bus. The event's Topic and, when unset, Timestamp are
// filled in before delivery.
func (b *MemoryBus) Publish(topic string, ev Event) error {
	ev.Topic = topic

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	for _, sub := range b.topics[topic] {
		select {
		case sub.events <- ev:
		default:
			// A subscriber this far behind will re-derive state on its
			// next join; dropping beats stalling every other consumer.
			logging.Warn("Dropping event for slow subscriber",
				map[string]interface{}{
					"topic": topic,
					"type":  ev.Type,
				})
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(topic string, h Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &subscriber{
		events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}

	id := b.nextID
	b.nextID++

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*subscriber)
	}
	b.topics[topic][id] = sub

	go func() {
		for {
			select {
			case ev := <-sub.events:
				h(ev)
			case <-sub.done:
				return
			}
		}
	}()

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.topics[topic]; ok {
			if s, ok := subs[id]; ok {
				delete(subs, id)
				close(s.done)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
		}
	}}, nil
}

// Close implements Bus. Pending buffered events are discarded.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for topic, subs := range b.topics {
		for id, sub := range subs {
			close(sub.done)
			delete(subs, id)
		}
		delete(b.topics, topic)
	}
	return nil
}
