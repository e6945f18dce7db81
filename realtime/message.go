// realtime/message.go
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"treasure-hunt-system/models"
)

// MessageType is the discriminant of every push payload.
type MessageType string

const (
	TypeLockUpdate MessageType = "lock_update"
	TypeHuntUpdate MessageType = "hunt_update"
	TypeListUpdate MessageType = "list_update"
)

// ListTopic carries "the hunt list changed" signals.
const ListTopic = "hunts"

// HuntTopic is the per-hunt topic.
func HuntTopic(huntID string) string {
	return "hunt:" + huntID
}

var ErrUnknownMessageType = errors.New("unknown message type")

// Message is one push payload. Exactly the field matching Type is meaningful:
// Lock for lock_update (nil means the lock was removed), Details for
// hunt_update, Timestamp (unix millis) for list_update.
type Message struct {
	Type      MessageType
	Lock      *models.TurnLock
	Details   *models.HuntView
	Timestamp int64
}

func LockUpdate(lock *models.TurnLock) Message {
	return Message{Type: TypeLockUpdate, Lock: lock}
}

func HuntUpdate(details *models.HuntView) Message {
	return Message{Type: TypeHuntUpdate, Details: details}
}

func ListUpdate(at time.Time) Message {
	return Message{Type: TypeListUpdate, Timestamp: at.UnixMilli()}
}

type lockUpdateWire struct {
	Type MessageType      `json:"type"`
	Lock *models.TurnLock `json:"lock"`
}

type huntUpdateWire struct {
	Type    MessageType      `json:"type"`
	Details *models.HuntView `json:"details"`
}

type listUpdateWire struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// MarshalJSON writes only the fields of the message's variant.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeLockUpdate:
		return json.Marshal(lockUpdateWire{Type: m.Type, Lock: m.Lock})
	case TypeHuntUpdate:
		if m.Details == nil {
			return nil, fmt.Errorf("hunt_update without details")
		}
		return json.Marshal(huntUpdateWire{Type: m.Type, Details: m.Details})
	case TypeListUpdate:
		return json.Marshal(listUpdateWire{Type: m.Type, Timestamp: m.Timestamp})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
}

// UnmarshalJSON dispatches on "type" and rejects tags it does not know.
func (m *Message) UnmarshalJSON(data []byte) error {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	switch head.Type {
	case TypeLockUpdate:
		var w lockUpdateWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		*m = LockUpdate(w.Lock)
	case TypeHuntUpdate:
		var w huntUpdateWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if w.Details == nil {
			return fmt.Errorf("hunt_update without details")
		}
		*m = HuntUpdate(w.Details)
	case TypeListUpdate:
		var w listUpdateWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		*m = Message{Type: TypeListUpdate, Timestamp: w.Timestamp}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, head.Type)
	}
	return nil
}
