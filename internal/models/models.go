package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConversationType discriminates two-party threads from named groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// ParticipantRole is the member's role inside a conversation.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "ADMIN"
	RoleMember ParticipantRole = "MEMBER"
)

// MessageType classifies the payload the ciphertext decrypts to. The server
// only uses it for size-limit policy; content stays opaque.
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageVideo  MessageType = "VIDEO"
	MessageVoice  MessageType = "VOICE"
	MessageFile   MessageType = "FILE"
	MessageSystem MessageType = "SYSTEM"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageVoice, MessageFile, MessageSystem:
		return true
	}
	return false
}

// MaxPayloadBytes is the per-type cap on the base64 encrypted_content field,
// enforced before anything is persisted. Values are policy, documented here.
func (t MessageType) MaxPayloadBytes() int {
	switch t {
	case MessageVoice:
		return 3 << 20
	case MessageImage:
		return 8 << 20
	case MessageFile:
		return 10 << 20
	case MessageVideo:
		return 15 << 20
	default: // TEXT, SYSTEM
		return 10 << 10
	}
}

// DeliveryState tracks a (message, recipient) pair. Transitions are
// monotonic: SENT -> DELIVERED -> READ, never backward.
type DeliveryState string

const (
	StatusSent      DeliveryState = "SENT"
	StatusDelivered DeliveryState = "DELIVERED"
	StatusRead      DeliveryState = "READ"
)

type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Password  string    `json:"-" db:"password"`
	PublicKey string    `json:"public_key" db:"public_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Conversation struct {
	ID            string           `json:"id" db:"id"`
	Type          ConversationType `json:"type" db:"type"`
	Name          string           `json:"name,omitempty" db:"name"`
	CreatedBy     string           `json:"created_by,omitempty" db:"created_by"`
	LastMessageID string           `json:"last_message_id,omitempty" db:"last_message_id"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty" db:"last_message_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

type Participant struct {
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Role           ParticipantRole `json:"role" db:"role"`
	JoinedAt       time.Time       `json:"joined_at" db:"joined_at"`
	IsMuted        bool            `json:"is_muted" db:"is_muted"`
	IsArchived     bool            `json:"is_archived" db:"is_archived"`
}

// Message is an immutable ciphertext envelope. The four crypto fields are
// required together; the server stores them without validating more than
// presence.
type Message struct {
	ID               string          `json:"id" db:"id"`
	ConversationID   string          `json:"conversation_id" db:"conversation_id"`
	FromUserID       string          `json:"sender_id" db:"from_user_id"`
	RecipientUserID  string          `json:"recipient_user_id" db:"recipient_user_id"`
	Type             MessageType     `json:"type" db:"type"`
	EncryptedContent string          `json:"encrypted_content" db:"encrypted_content"`
	Nonce            string          `json:"nonce" db:"nonce"`
	AuthTag          string          `json:"auth_tag" db:"auth_tag"`
	Signature        string          `json:"signature" db:"signature"`
	Metadata         json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	ReplyToID        string          `json:"reply_to_id,omitempty" db:"reply_to_id"`
	IsDeleted        bool            `json:"is_deleted" db:"is_deleted"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

type MessageStatus struct {
	MessageID   string        `json:"message_id" db:"message_id"`
	UserID      string        `json:"user_id" db:"user_id"`
	Status      DeliveryState `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt      *time.Time    `json:"read_at,omitempty" db:"read_at"`
}

// StatusSummary aggregates delivery progress over a message's recipients
// (the sender's own pre-read row is excluded).
type StatusSummary struct {
	MessageID       string `json:"message_id"`
	TotalRecipients int    `json:"total_recipients"`
	DeliveredCount  int    `json:"delivered_count"`
	ReadCount       int    `json:"read_count"`
}

// NewID mints an opaque entity id.
func NewID() string {
	return uuid.NewString()
}

// Request/Response structures

type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PublicKey string `json:"public_key"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type CreateConversationRequest struct {
	Type         ConversationType `json:"type"`
	Name         string           `json:"name"`
	Participants []string         `json:"participants"`
}

// Envelope is the inbound message shape shared by the HTTP create endpoint
// and the realtime send action.
type Envelope struct {
	ConversationID   string          `json:"conversation_id"`
	RecipientUserID  string          `json:"recipient_user_id"`
	Type             MessageType     `json:"type"`
	EncryptedContent string          `json:"encrypted_content"`
	Nonce            string          `json:"nonce"`
	AuthTag          string          `json:"auth_tag"`
	Signature        string          `json:"signature"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	ReplyToID        string          `json:"reply_to_id,omitempty"`
}

// HasCryptoFields reports whether all four ciphertext parts are present.
func (e *Envelope) HasCryptoFields() bool {
	return e.EncryptedContent != "" && e.Nonce != "" && e.AuthTag != "" && e.Signature != ""
}

type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type MarkDeliveredRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type DeleteMessageRequest struct {
	MessageID string `json:"message_id"`
}

type ParticipantSettingsRequest struct {
	ConversationID string `json:"conversation_id"`
	IsMuted        *bool  `json:"is_muted,omitempty"`
	IsArchived     *bool  `json:"is_archived,omitempty"`
}
