package websocket

import (
	"encoding/json"

	"cipherchat/internal/models"
)

// Inbound frames carry an "action" discriminator. Each frame is decoded
// once into a member of a closed command set; unknown actions decode to
// unknownCommand, a documented no-op that leaves the connection open.

type command interface {
	isCommand()
}

type pingCommand struct{}

type joinConversationCommand struct {
	ConversationID string
}

type sendMessageCommand struct {
	Envelope models.Envelope
}

type typingCommand struct {
	ConversationID string
	IsTyping       bool
}

type markReadCommand struct {
	MessageIDs []string
}

type unknownCommand struct {
	Action string
}

func (pingCommand) isCommand()             {}
func (joinConversationCommand) isCommand() {}
func (sendMessageCommand) isCommand()      {}
func (typingCommand) isCommand()           {}
func (markReadCommand) isCommand()         {}
func (unknownCommand) isCommand()          {}

type inboundFrame struct {
	Action         string   `json:"action"`
	ConversationID string   `json:"conversation_id"`
	IsTyping       *bool    `json:"is_typing"`
	MessageIDs     []string `json:"message_ids"`

	models.Envelope
}

func decodeCommand(data []byte) (command, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}

	switch frame.Action {
	case "ping":
		return pingCommand{}, nil
	case "join_conversation":
		return joinConversationCommand{ConversationID: frame.ConversationID}, nil
	case "send_message":
		env := frame.Envelope
		if env.ConversationID == "" {
			env.ConversationID = frame.ConversationID
		}
		return sendMessageCommand{Envelope: env}, nil
	case "typing":
		isTyping := true
		if frame.IsTyping != nil {
			isTyping = *frame.IsTyping
		}
		return typingCommand{ConversationID: frame.ConversationID, IsTyping: isTyping}, nil
	case "mark_read":
		return markReadCommand{MessageIDs: frame.MessageIDs}, nil
	default:
		return unknownCommand{Action: frame.Action}, nil
	}
}
