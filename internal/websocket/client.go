package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cipherchat/internal/chat"
	"cipherchat/internal/db"
	"cipherchat/internal/models"
	apperrors "cipherchat/pkg/errors"
)

// Client is one authenticated websocket connection. Frames on a single
// connection are handled strictly sequentially by its read pump; different
// connections run fully concurrently and share only the hub registry.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   string
	username string
	service  *chat.Service
	store    *db.DB
	logger   *logrus.Entry

	// sendMu guards send against the race between the hub dropping this
	// client (closing the queue) and the read pump queueing a reply.
	sendMu     sync.Mutex
	sendClosed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, username string, service *chat.Service, store *db.DB, logger *logrus.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 64),
		userID:   userID,
		username: username,
		service:  service,
		store:    store,
		logger: logger.WithFields(logrus.Fields{
			"connection_id": id,
			"user_id":       userID,
		}),
	}
}

// Start registers the connection, joins the personal channel and launches
// the pumps.
func (c *Client) Start() {
	c.hub.Register(c)
	c.hub.Subscribe(c, chat.UserChannel(c.userID))

	c.sendEvent(models.ConnectionEstablishedEvent{
		Event:     models.EventConnectionEstablished,
		UserID:    c.userID,
		Timestamp: time.Now().UTC(),
	})

	go c.WritePump()
	go c.ReadPump()
}

// sendEvent queues an event on this connection only. A full queue drops
// the frame; the hub will drop the whole connection on the next broadcast
// anyway. After the queue is closed the frame is discarded.
func (c *Client) sendEvent(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.WithError(err).Error("failed to marshal event")
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send queue full, dropping frame")
	}
}

// closeSend shuts the send queue exactly once. Only the hub calls this,
// from Unregister.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) sendError(msg string) {
	c.sendEvent(models.ErrorEvent{Event: models.EventError, Error: msg})
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("read error")
			}
			break
		}

		cmd, err := decodeCommand(message)
		if err != nil {
			c.logger.WithError(err).Warn("undecodable frame")
			c.sendError("invalid frame")
			continue
		}
		c.handle(cmd)
	}
}

func (c *Client) handle(cmd command) {
	ctx := context.Background()

	switch cmd := cmd.(type) {
	case pingCommand:
		c.sendEvent(models.PongEvent{Event: models.EventPong, Timestamp: time.Now().UTC()})

	case joinConversationCommand:
		c.handleJoin(ctx, cmd.ConversationID)

	case sendMessageCommand:
		if _, err := c.service.SendMessage(ctx, c.userID, cmd.Envelope); err != nil {
			c.logger.WithField("conversation_id", cmd.Envelope.ConversationID).
				WithError(err).Warn("send_message rejected")
			c.sendError(err.Error())
		}
		// Success frames (new_message broadcast + message_sent confirmation)
		// are published by the service.

	case typingCommand:
		if cmd.ConversationID == "" {
			return
		}
		c.service.Typing(c.userID, cmd.ConversationID, cmd.IsTyping)

	case markReadCommand:
		count, err := c.service.MarkRead(ctx, c.userID, cmd.MessageIDs)
		if err != nil {
			c.logger.WithError(err).Warn("mark_read failed")
			c.sendError(err.Error())
			return
		}
		c.sendEvent(models.MessagesMarkedReadEvent{Event: models.EventMessagesMarkedRead, Count: count})

	case unknownCommand:
		// Unknown actions are silently dropped; the connection stays open.
		c.logger.WithField("action", cmd.Action).Debug("ignoring unknown action")
	}
}

func (c *Client) handleJoin(ctx context.Context, conversationID string) {
	if conversationID == "" {
		c.sendError("conversation_id is required")
		return
	}

	member, err := c.store.IsParticipant(ctx, conversationID, c.userID)
	if err != nil {
		c.logger.WithField("conversation_id", conversationID).WithError(err).Error("membership check failed")
		c.sendError(apperrors.New(apperrors.CodeInternal, "membership check failed").Error())
		return
	}
	if !member {
		c.sendError("you are not a participant of this conversation")
		return
	}

	// Subscribe is idempotent; a duplicate join does not double-subscribe.
	c.hub.Subscribe(c, chat.ConversationChannel(conversationID))
	c.sendEvent(models.JoinedConversationEvent{
		Event:          models.EventJoinedConversation,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
	})
}

func (c *Client) WritePump() {
	defer func() {
		c.conn.Close()
	}()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
