package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"treasure-hunt-system/realtime"
)

// StreamService bridges broker topics onto Server-Sent Events.
type StreamService struct {
	Broker    realtime.Broker
	Hunts     *HuntService
	Keepalive time.Duration
}

func NewStreamService(broker realtime.Broker, hunts *HuntService) *StreamService {
	return &StreamService{Broker: broker, Hunts: hunts, Keepalive: 15 * time.Second}
}

// writeEvent writes one SSE frame named after the message type.
func writeEvent(w *bufio.Writer, msg realtime.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, payload); err != nil {
		return err
	}
	return w.Flush()
}

var errLiveUpdatesUnavailable = errors.New("live updates unavailable")

// StreamHunt handles GET /hunts/:id/events. The first event is the current
// aggregate so a fresh subscriber never waits for the next change.
func (s *StreamService) StreamHunt(c *fiber.Ctx) error {
	huntID := c.Params("id")
	sub, initial, err := s.openStream(c.UserContext(), realtime.HuntTopic(huntID), s.huntSnapshot(huntID))
	if err != nil {
		return s.respondOpenError(c, err)
	}
	return s.stream(c, sub, realtime.HuntTopic(huntID), initial)
}

// StreamHuntList handles GET /hunts/events.
func (s *StreamService) StreamHuntList(c *fiber.Ctx) error {
	sub, _, err := s.openStream(c.UserContext(), realtime.ListTopic, nil)
	if err != nil {
		return s.respondOpenError(c, err)
	}
	return s.stream(c, sub, realtime.ListTopic, nil)
}

func (s *StreamService) huntSnapshot(huntID string) func(context.Context) ([]realtime.Message, error) {
	return func(ctx context.Context) ([]realtime.Message, error) {
		view, err := s.Hunts.GetHuntDetails(ctx, huntID)
		if err != nil {
			return nil, err
		}
		return []realtime.Message{realtime.HuntUpdate(view)}, nil
	}
}

// openStream subscribes to topic before reading the snapshot, so a change
// landing in between is queued on the subscription instead of lost.
func (s *StreamService) openStream(ctx context.Context, topic string, snapshot func(context.Context) ([]realtime.Message, error)) (*realtime.Subscription, []realtime.Message, error) {
	sub, err := s.Broker.Subscribe(context.Background(), topic)
	if err != nil {
		log.Printf("[SSE] Failed to subscribe to %s: %v", topic, err)
		return nil, nil, errLiveUpdatesUnavailable
	}
	if snapshot == nil {
		return sub, nil, nil
	}
	initial, err := snapshot(ctx)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, initial, nil
}

func (s *StreamService) respondOpenError(c *fiber.Ctx, err error) error {
	if errors.Is(err, errLiveUpdatesUnavailable) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}
	return respondError(c, err)
}

func (s *StreamService) stream(c *fiber.Ctx, sub *realtime.Subscription, topic string, initial []realtime.Message) error {
	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	keepalive := s.Keepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		log.Printf("[SSE] Client subscribed to %s", topic)

		// Initial keepalive (comment event)
		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}
		for _, msg := range initial {
			if err := writeEvent(w, msg); err != nil {
				return
			}
		}

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()

		for {
			select {
			case env, ok := <-sub.C():
				if !ok {
					return
				}
				if err := writeEvent(w, env.Message); err != nil {
					log.Printf("[SSE] Client on %s disconnected", topic)
					return
				}
			case <-ticker.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					log.Printf("[SSE] Client on %s disconnected", topic)
					return
				}
			}
		}
	})

	return nil
}
