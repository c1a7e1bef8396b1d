package pubsub

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus. Publish fans a message out to every open
// subscription on the topic; slow subscribers block the publisher.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Subscribe implements Bus.Subscribe.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySubscription{
		bus:   b,
		topic: topic,
		msgs:  make(chan Message, 16),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySubscription]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Publish delivers data from peer to every subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic, from string, data []byte) error {
	b.mu.Lock()
	targets := make([]*memorySubscription, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	msg := Message{From: from, Data: append([]byte(nil), data...)}
	for _, s := range targets {
		select {
		case s.msgs <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	msgs  chan Message
	done  chan struct{}
	once  sync.Once
}

func (s *memorySubscription) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-s.done:
		return Message{}, ErrSubscriptionClosed
	case m := <-s.msgs:
		return m, nil
	}
}

func (s *memorySubscription) Cancel() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s)
		s.bus.mu.Unlock()
	})
	return nil
}
