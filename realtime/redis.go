package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"treasure-hunt-system/config"
)

// RedisBroker relays messages through Redis PUBLISH/SUBSCRIBE so every
// instance behind the load balancer sees every state change.
type RedisBroker struct {
	client *redis.Client
	buffer int
}

// NewRedisBroker connects and pings Redis.
func NewRedisBroker(cfg config.RedisConfig) (*RedisBroker, error) {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolTimeout:  30 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis] Connected to %s (DB: %d)", addr, cfg.DB)
	log.Printf("[Redis] Pool config: PoolSize=%d", cfg.PoolSize)

	return NewRedisBrokerFromClient(rdb), nil
}

// NewRedisBrokerFromClient wraps an existing client.
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, buffer: 64}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, topics...)
	// Wait for the confirmation so nothing published after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription(b.buffer, cancel)

	go func() {
		defer sub.closeChannel()
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					log.Printf("[REALTIME] Dropping undecodable payload on %s: %v", raw.Channel, err)
					continue
				}
				select {
				case sub.ch <- Envelope{Topic: raw.Channel, Message: msg}:
				default:
					log.Printf("[REALTIME] Subscriber buffer full on %s, dropping %s", raw.Channel, msg.Type)
				}
			}
		}
	}()
	return sub, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
