package realtime

import (
	"context"
	"log"
	"sync"
)

// Envelope is a message together with the topic it arrived on.
type Envelope struct {
	Topic   string
	Message Message
}

// Broker is the publish/subscribe transport. Delivery is best-effort and
// only reaches subscribers that are live at publish time.
type Broker interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topics ...string) (*Subscription, error)
	Close() error
}

// Subscription delivers envelopes until Close is called or the context
// passed to Subscribe is done; the channel is then closed.
type Subscription struct {
	ch     chan Envelope
	cancel context.CancelFunc
	once   sync.Once
}

func newSubscription(buffer int, cancel context.CancelFunc) *Subscription {
	return &Subscription{ch: make(chan Envelope, buffer), cancel: cancel}
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Close stops delivery.
func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// Notify publishes msg and only logs a failure. State changes are committed
// before anything is broadcast, so a lost notification never rolls back.
func Notify(ctx context.Context, b Broker, topic string, msg Message) {
	if b == nil {
		return
	}
	if err := b.Publish(ctx, topic, msg); err != nil {
		log.Printf("[REALTIME] ⚠️ Failed to publish %s on %s: %v", msg.Type, topic, err)
	}
}
