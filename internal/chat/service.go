// Package chat orchestrates the write path: envelope validation, the atomic
// persistence unit (message + pointer + delivery statuses) and best-effort
// realtime fan-out.
package chat

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"cipherchat/internal/db"
	"cipherchat/internal/models"
	apperrors "cipherchat/pkg/errors"
)

// Publisher is the fan-out capability. Implementations broadcast a payload
// to every connection subscribed to the channel key; delivery is
// best-effort and at-most-once, with no persistence of undelivered events.
type Publisher interface {
	Publish(channel string, payload interface{}) error
	PublishExcept(channel string, payload interface{}, excludeUserID string) error
}

// ConversationChannel is the broadcast channel key for a conversation.
func ConversationChannel(conversationID string) string {
	return "chat_" + conversationID
}

// UserChannel is a user's personal channel key, used for read receipts and
// direct notifications.
func UserChannel(userID string) string {
	return "user_" + userID
}

type Service struct {
	store  *db.DB
	pub    Publisher
	logger *logrus.Logger
}

func NewService(store *db.DB, pub Publisher, logger *logrus.Logger) *Service {
	return &Service{store: store, pub: pub, logger: logger}
}

// SendMessage is the single transactional unit behind both the HTTP create
// endpoint and the realtime send action. Validation happens before any
// persistence; fan-out happens after the commit and its failure never rolls
// the message back — offline clients fetch it on next sync.
func (s *Service) SendMessage(ctx context.Context, senderID string, env models.Envelope) (*models.Message, error) {
	if env.ConversationID == "" {
		return nil, apperrors.Validation("conversation_id is required")
	}
	if env.RecipientUserID == "" {
		return nil, apperrors.Validation("recipient_user_id is required")
	}
	if env.Type == "" {
		env.Type = models.MessageText
	}
	if !env.Type.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown message type %q", env.Type))
	}
	if !env.HasCryptoFields() {
		return nil, apperrors.Validation("missing crypto fields: encrypted_content, nonce, auth_tag and signature are required")
	}
	if max := env.Type.MaxPayloadBytes(); len(env.EncryptedContent) > max {
		return nil, apperrors.Validation(fmt.Sprintf("%s payload exceeds %d bytes", env.Type, max))
	}

	msg, _, err := s.store.AppendMessage(ctx, db.AppendMessageParams{
		ConversationID:   env.ConversationID,
		FromUserID:       senderID,
		RecipientUserID:  env.RecipientUserID,
		Type:             env.Type,
		EncryptedContent: env.EncryptedContent,
		Nonce:            env.Nonce,
		AuthTag:          env.AuthTag,
		Signature:        env.Signature,
		Metadata:         env.Metadata,
		ReplyToID:        env.ReplyToID,
	})
	if err != nil {
		return nil, err
	}

	s.fanOutNewMessage(msg)
	return msg, nil
}

func (s *Service) fanOutNewMessage(msg *models.Message) {
	event := models.NewMessageEvent{Event: models.EventNewMessage, Message: *msg}
	if err := s.pub.Publish(ConversationChannel(msg.ConversationID), event); err != nil {
		s.logger.WithFields(logrus.Fields{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
		}).WithError(err).Warn("message broadcast failed; message stays durable")
	}

	confirm := models.MessageSentEvent{
		Event:     models.EventMessageSent,
		MessageID: msg.ID,
		Timestamp: msg.CreatedAt,
	}
	if err := s.pub.Publish(UserChannel(msg.FromUserID), confirm); err != nil {
		s.logger.WithField("message_id", msg.ID).WithError(err).Warn("send confirmation failed")
	}
}

// MarkRead transitions the caller's delivery statuses to READ and notifies
// the sender of each transitioned message on their personal channel,
// batched per distinct sender. Returns the number of rows that actually
// transitioned; a repeat call reports zero.
func (s *Service) MarkRead(ctx context.Context, userID string, messageIDs []string) (int, error) {
	transitions, err := s.store.MarkRead(ctx, messageIDs, userID)
	if err != nil {
		return 0, err
	}

	bySender := make(map[string][]db.ReadTransition)
	for _, t := range transitions {
		bySender[t.SenderID] = append(bySender[t.SenderID], t)
	}
	for senderID, batch := range bySender {
		if senderID == userID {
			continue
		}
		channel := UserChannel(senderID)
		for _, t := range batch {
			receipt := models.MessageReadReceiptEvent{
				Event:     models.EventMessageReadReceipt,
				MessageID: t.MessageID,
				ReadBy:    userID,
				ReadAt:    t.ReadAt,
			}
			if err := s.pub.Publish(channel, receipt); err != nil {
				s.logger.WithFields(logrus.Fields{
					"message_id": t.MessageID,
					"sender_id":  senderID,
				}).WithError(err).Warn("read receipt broadcast failed")
			}
		}
	}
	return len(transitions), nil
}

// MarkDelivered transitions SENT statuses to DELIVERED for the caller.
func (s *Service) MarkDelivered(ctx context.Context, userID string, messageIDs []string) (int, error) {
	return s.store.MarkDelivered(ctx, messageIDs, userID)
}

// Typing relays a typing indicator to the conversation channel, excluding
// the typist. Fire-and-forget: no subscriber, no delivery.
func (s *Service) Typing(userID, conversationID string, isTyping bool) {
	event := models.TypingEvent{
		Event:          models.EventTyping,
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}
	if err := s.pub.PublishExcept(ConversationChannel(conversationID), event, userID); err != nil {
		s.logger.WithField("conversation_id", conversationID).WithError(err).Debug("typing broadcast failed")
	}
}
