package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treasure-hunt-system/models"
)

func TestLockUpdateEncodesNullLock(t *testing.T) {
	data, err := json.Marshal(LockUpdate(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"lock_update","lock":null}`, string(data))
}

func TestMessageRoundTripPerVariant(t *testing.T) {
	expires := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		LockUpdate(&models.TurnLock{ID: "l1", HuntID: "h1", UserID: "u1", ExpiresAt: expires}),
		HuntUpdate(&models.HuntView{ID: "h1", Name: "Cove", Moves: []models.Move{}}),
		ListUpdate(expires),
	}
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		require.NoError(t, err)

		var decoded Message
		require.NoError(t, json.Unmarshal(data, &decoded), string(data))
		assert.Equal(t, msg.Type, decoded.Type)
	}

	var list Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"list_update","timestamp":1735732800000}`), &list))
	assert.Equal(t, expires.UnixMilli(), list.Timestamp)
}

func TestUnknownMessageTypeIsRejected(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"type":"chat","text":"hi"}`), &m)
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = json.Marshal(Message{Type: "chat"})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	err = json.Unmarshal([]byte(`{"type":"hunt_update"}`), &m)
	assert.Error(t, err)
}

func receive(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Envelope{}
	}
}

func TestLocalBrokerFanOut(t *testing.T) {
	b := NewLocalBroker(4)
	defer b.Close()
	ctx := context.Background()

	a, err := b.Subscribe(ctx, HuntTopic("h1"))
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, HuntTopic("h1"), ListTopic)
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, HuntTopic("h2"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, HuntTopic("h1"), LockUpdate(nil)))
	require.NoError(t, b.Publish(ctx, ListTopic, ListUpdate(time.Now())))

	assert.Equal(t, TypeLockUpdate, receive(t, a).Message.Type)
	assert.Equal(t, TypeLockUpdate, receive(t, c).Message.Type)
	env := receive(t, c)
	assert.Equal(t, ListTopic, env.Topic)
	assert.Equal(t, TypeListUpdate, env.Message.Type)

	select {
	case env := <-other.C():
		t.Fatalf("unexpected delivery on unrelated topic: %+v", env)
	default:
	}
}

func TestLocalBrokerDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewLocalBroker(1)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, ListTopic)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, ListTopic, ListUpdate(time.Now())))
	}
	receive(t, sub)
	select {
	case <-sub.C():
		t.Fatal("expected the overflow to be dropped")
	default:
	}
}

func TestLocalBrokerSubscriptionCloses(t *testing.T) {
	b := NewLocalBroker(1)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, ListTopic)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), ListTopic, ListUpdate(time.Now())), ErrBrokerClosed)
}

func TestRedisBrokerRelaysMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	b := NewRedisBrokerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, HuntTopic("h1"))
	require.NoError(t, err)

	lock := &models.TurnLock{ID: "l1", HuntID: "h1", UserID: "u1", ExpiresAt: time.Now().Add(time.Minute).UTC()}
	require.NoError(t, b.Publish(ctx, HuntTopic("h1"), LockUpdate(lock)))

	env := receive(t, sub)
	assert.Equal(t, HuntTopic("h1"), env.Topic)
	require.Equal(t, TypeLockUpdate, env.Message.Type)
	require.NotNil(t, env.Message.Lock)
	assert.Equal(t, "u1", env.Message.Lock.UserID)

	require.NoError(t, b.Publish(ctx, HuntTopic("h1"), LockUpdate(nil)))
	env = receive(t, sub)
	assert.Nil(t, env.Message.Lock)
}
