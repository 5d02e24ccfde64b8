package chat

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/db"
	"cipherchat/internal/models"
	apperrors "cipherchat/pkg/errors"
)

type published struct {
	channel string
	payload interface{}
	exclude string
}

// fakePublisher records every fan-out call so tests can assert on channels
// and payloads without a running hub.
type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) Publish(channel string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{channel: channel, payload: payload})
	return nil
}

func (f *fakePublisher) PublishExcept(channel string, payload interface{}, excludeUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{channel: channel, payload: payload, exclude: excludeUserID})
	return nil
}

func (f *fakePublisher) onChannel(channel string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, e := range f.events {
		if e.channel == channel {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *db.DB, *fakePublisher) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	pub := &fakePublisher{}
	return NewService(database, pub, logger), database, pub
}

func createUser(t *testing.T, database *db.DB, username string) *models.User {
	t.Helper()
	user, err := database.CreateUser(context.Background(), username, "hashed", "pk-"+username)
	require.NoError(t, err)
	return user
}

func validEnvelope(conversationID, recipientID string) models.Envelope {
	return models.Envelope{
		ConversationID:   conversationID,
		RecipientUserID:  recipientID,
		Type:             models.MessageText,
		EncryptedContent: "Y2lwaGVydGV4dA==",
		Nonce:            "bm9uY2U=",
		AuthTag:          "dGFn",
		Signature:        "c2ln",
	}
}

func TestSendMessagePersistsAndFansOut(t *testing.T) {
	svc, database, pub := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	msg, err := svc.SendMessage(ctx, alice.ID, validEnvelope(conv.ID, bob.ID))
	require.NoError(t, err)

	// The message is the newest element of the history.
	messages, total, err := database.ListMessages(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, messages, 1)
	assert.Equal(t, msg.ID, messages[0].ID)

	// And the conversation pointer matches it.
	updated, err := database.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, updated.LastMessageID)

	// Broadcast to the conversation channel carries the full envelope.
	broadcasts := pub.onChannel(ConversationChannel(conv.ID))
	require.Len(t, broadcasts, 1)
	event, ok := broadcasts[0].payload.(models.NewMessageEvent)
	require.True(t, ok)
	assert.Equal(t, models.EventNewMessage, event.Event)
	assert.Equal(t, msg.ID, event.Message.ID)
	assert.Equal(t, "Y2lwaGVydGV4dA==", event.Message.EncryptedContent)

	// The sender gets a durable-write confirmation on their own channel.
	confirms := pub.onChannel(UserChannel(alice.ID))
	require.Len(t, confirms, 1)
	confirm, ok := confirms[0].payload.(models.MessageSentEvent)
	require.True(t, ok)
	assert.Equal(t, msg.ID, confirm.MessageID)
}

func TestSendMessageValidation(t *testing.T) {
	svc, database, pub := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*models.Envelope)
	}{
		{"missing conversation", func(e *models.Envelope) { e.ConversationID = "" }},
		{"missing recipient", func(e *models.Envelope) { e.RecipientUserID = "" }},
		{"unknown type", func(e *models.Envelope) { e.Type = "CARRIER_PIGEON" }},
		{"missing signature", func(e *models.Envelope) { e.Signature = "" }},
		{"missing nonce", func(e *models.Envelope) { e.Nonce = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnvelope(conv.ID, bob.ID)
			tc.mutate(&env)
			_, err := svc.SendMessage(ctx, alice.ID, env)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
		})
	}

	// Nothing was persisted and nothing was broadcast.
	_, total, err := database.ListMessages(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, pub.events)
}

func TestSendMessageRejectsOversizedPayload(t *testing.T) {
	svc, database, pub := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	env := validEnvelope(conv.ID, bob.ID)
	env.EncryptedContent = strings.Repeat("A", models.MessageText.MaxPayloadBytes()+1)

	_, err = svc.SendMessage(ctx, alice.ID, env)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	_, total, err := database.ListMessages(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, pub.events)
}

func TestSendMessageDefaultsToText(t *testing.T) {
	svc, database, _ := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	env := validEnvelope(conv.ID, bob.ID)
	env.Type = ""
	msg, err := svc.SendMessage(ctx, alice.ID, env)
	require.NoError(t, err)
	assert.Equal(t, models.MessageText, msg.Type)
}

func TestMarkReadNotifiesSender(t *testing.T) {
	svc, database, pub := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	msg, err := svc.SendMessage(ctx, alice.ID, validEnvelope(conv.ID, bob.ID))
	require.NoError(t, err)

	count, err := svc.MarkRead(ctx, bob.ID, []string{msg.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The receipt lands on the sender's personal channel, after the send
	// confirmation from the earlier SendMessage.
	events := pub.onChannel(UserChannel(alice.ID))
	require.Len(t, events, 2)
	receipt, ok := events[1].payload.(models.MessageReadReceiptEvent)
	require.True(t, ok)
	assert.Equal(t, models.EventMessageReadReceipt, receipt.Event)
	assert.Equal(t, msg.ID, receipt.MessageID)
	assert.Equal(t, bob.ID, receipt.ReadBy)
	assert.False(t, receipt.ReadAt.IsZero())

	// Repeat call: nothing transitions, no extra receipt.
	count, err = svc.MarkRead(ctx, bob.ID, []string{msg.ID})
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Len(t, pub.onChannel(UserChannel(alice.ID)), 2)
}

func TestTypingExcludesTypist(t *testing.T) {
	svc, database, pub := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	svc.Typing(alice.ID, conv.ID, true)

	events := pub.onChannel(ConversationChannel(conv.ID))
	require.Len(t, events, 1)
	assert.Equal(t, alice.ID, events[0].exclude)
	event, ok := events[0].payload.(models.TypingEvent)
	require.True(t, ok)
	assert.Equal(t, alice.ID, event.UserID)
	assert.True(t, event.IsTyping)
}
