package websocket

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewHub(logger)
}

// testClient builds a registry-only client with a buffered send queue and no
// network connection.
func testClient(userID string, queue int) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Client{
		id:     "conn-" + userID,
		send:   make(chan []byte, queue),
		userID: userID,
		logger: logger.WithField("user_id", userID),
	}
}

func receive(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.send:
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	default:
		t.Fatal("expected a frame on the send queue")
		return nil
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	hub := newTestHub()
	alice := testClient("alice", 4)
	bob := testClient("bob", 4)
	hub.Register(alice)
	hub.Register(bob)
	hub.Subscribe(alice, "chat_1")
	hub.Subscribe(bob, "chat_1")

	require.NoError(t, hub.Publish("chat_1", map[string]string{"event": "test"}))

	assert.Equal(t, "test", receive(t, alice)["event"])
	assert.Equal(t, "test", receive(t, bob)["event"])
}

func TestPublishOnlyHitsTheChannel(t *testing.T) {
	hub := newTestHub()
	alice := testClient("alice", 4)
	bob := testClient("bob", 4)
	hub.Register(alice)
	hub.Register(bob)
	hub.Subscribe(alice, "chat_1")
	hub.Subscribe(bob, "chat_2")

	require.NoError(t, hub.Publish("chat_1", map[string]string{"event": "test"}))

	assert.Len(t, alice.send, 1)
	assert.Empty(t, bob.send)
}

func TestPublishExceptSkipsExcludedUser(t *testing.T) {
	hub := newTestHub()
	alice := testClient("alice", 4)
	bob := testClient("bob", 4)
	hub.Register(alice)
	hub.Register(bob)
	hub.Subscribe(alice, "chat_1")
	hub.Subscribe(bob, "chat_1")

	require.NoError(t, hub.PublishExcept("chat_1", map[string]string{"event": "typing"}, "alice"))

	assert.Empty(t, alice.send)
	assert.Len(t, bob.send, 1)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	hub := newTestHub()
	alice := testClient("alice", 4)
	hub.Register(alice)
	hub.Subscribe(alice, "chat_1")
	hub.Subscribe(alice, "chat_1")

	assert.Equal(t, 1, hub.SubscriberCount("chat_1"))

	require.NoError(t, hub.Publish("chat_1", map[string]string{"event": "test"}))
	assert.Len(t, alice.send, 1)
}

func TestSubscribeAfterUnregisterIsNoop(t *testing.T) {
	hub := newTestHub()
	alice := testClient("alice", 4)
	hub.Register(alice)
	hub.Unregister(alice)

	hub.Subscribe(alice, "chat_1")
	assert.Zero(t, hub.SubscriberCount("chat_1"))
}

func TestUnregisterRemovesAllChannels(t *testing.T) {
	hub := newTestHub()
	alice := testClient("alice", 4)
	hub.Register(alice)
	hub.Subscribe(alice, "chat_1")
	hub.Subscribe(alice, "user_alice")

	hub.Unregister(alice)

	assert.Zero(t, hub.SubscriberCount("chat_1"))
	assert.Zero(t, hub.SubscriberCount("user_alice"))

	// The send queue is closed so the write pump terminates.
	_, open := <-alice.send
	assert.False(t, open)

	// A second Unregister is harmless.
	hub.Unregister(alice)
}

func TestUnsubscribeLeavesOtherChannels(t *testing.T) {
	hub := newTestHub()
	alice := testClient("alice", 4)
	hub.Register(alice)
	hub.Subscribe(alice, "chat_1")
	hub.Subscribe(alice, "chat_2")

	hub.Unsubscribe(alice, "chat_1")

	assert.Zero(t, hub.SubscriberCount("chat_1"))
	assert.Equal(t, 1, hub.SubscriberCount("chat_2"))
}

func TestPublishDropsClientWithFullQueue(t *testing.T) {
	hub := newTestHub()
	stuck := testClient("stuck", 1)
	healthy := testClient("healthy", 4)
	hub.Register(stuck)
	hub.Register(healthy)
	hub.Subscribe(stuck, "chat_1")
	hub.Subscribe(healthy, "chat_1")

	require.NoError(t, hub.Publish("chat_1", map[string]string{"event": "one"}))
	require.NoError(t, hub.Publish("chat_1", map[string]string{"event": "two"}))

	// The stuck client was unregistered, the healthy one kept both frames.
	assert.Equal(t, 1, hub.SubscriberCount("chat_1"))
	assert.Len(t, healthy.send, 2)
}

func TestSendEventAfterDropIsDiscarded(t *testing.T) {
	hub := newTestHub()
	stuck := testClient("stuck", 1)
	hub.Register(stuck)
	hub.Subscribe(stuck, "chat_1")

	// First publish fills the one-slot queue, second one drops the client
	// and closes its queue.
	require.NoError(t, hub.Publish("chat_1", map[string]string{"event": "one"}))
	require.NoError(t, hub.Publish("chat_1", map[string]string{"event": "two"}))
	require.Zero(t, hub.SubscriberCount("chat_1"))

	// The read pump may still be mid-frame; its reply must be discarded,
	// not panic on the closed queue.
	stuck.sendEvent(map[string]string{"event": "pong"})
}
