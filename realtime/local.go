package realtime

import (
	"context"
	"errors"
	"log"
	"sync"
)

var ErrBrokerClosed = errors.New("broker closed")

// LocalBroker fans messages out to subscribers in this process. A subscriber
// whose buffer is full misses the message instead of slowing the publisher.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	buffer int
}

func NewLocalBroker(buffer int) *LocalBroker {
	if buffer < 1 {
		buffer = 16
	}
	return &LocalBroker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (b *LocalBroker) Publish(ctx context.Context, topic string, msg Message) error {
	// Reject payloads that could not cross a real transport either.
	if _, err := msg.MarshalJSON(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- Envelope{Topic: topic, Message: msg}:
		default:
			log.Printf("[REALTIME] Subscriber buffer full on %s, dropping %s", topic, msg.Type)
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription(b.buffer, cancel)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrBrokerClosed
	}
	for _, t := range topics {
		if b.subs[t] == nil {
			b.subs[t] = make(map[*Subscription]struct{})
		}
		b.subs[t][sub] = struct{}{}
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(sub, topics)
	}()
	return sub, nil
}

func (b *LocalBroker) remove(sub *Subscription, topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs[t], sub)
		if len(b.subs[t]) == 0 {
			delete(b.subs, t)
		}
	}
	sub.closeChannel()
}

// Close ends every subscription.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	seen := make(map[*Subscription]bool)
	for _, set := range b.subs {
		for sub := range set {
			if !seen[sub] {
				seen[sub] = true
				all = append(all, sub)
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}
