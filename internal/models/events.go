package models

import "time"

// Outbound realtime event names. Every frame the server pushes carries an
// "event" discriminator; clients dispatch on it.
const (
	EventConnectionEstablished = "connection_established"
	EventPong                  = "pong"
	EventJoinedConversation    = "joined_conversation"
	EventError                 = "error"
	EventNewMessage            = "new_message"
	EventMessageSent           = "message_sent"
	EventTyping                = "typing"
	EventMessageReadReceipt    = "message_read_receipt"
	EventMessagesMarkedRead    = "messages_marked_read"
)

type ConnectionEstablishedEvent struct {
	Event     string    `json:"event"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type PongEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

type JoinedConversationEvent struct {
	Event          string    `json:"event"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// NewMessageEvent carries the full envelope, ciphertext fields included, to
// every subscriber of the conversation channel.
type NewMessageEvent struct {
	Event   string  `json:"event"`
	Message Message `json:"message"`
}

// MessageSentEvent confirms a durable write back to the sender's own
// connection.
type MessageSentEvent struct {
	Event     string    `json:"event"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingEvent is fire-and-forget: no persistence, no replay.
type TypingEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// MessageReadReceiptEvent goes to the original sender's personal channel.
type MessageReadReceiptEvent struct {
	Event     string    `json:"event"`
	MessageID string    `json:"message_id"`
	ReadBy    string    `json:"read_by"`
	ReadAt    time.Time `json:"read_at"`
}

type MessagesMarkedReadEvent struct {
	Event string `json:"event"`
	Count int    `json:"count"`
}
