// Package conversation implements the per-conversation side of messaging:
// join/leave membership, outbound sends, typing indicators with auto-expiry,
// read receipts, and the screen controller that layers optimistic insertion
// and REST fallback on top.
package conversation

import (
	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/protocol"
)

// Link is the part of the connection manager the conversation layer needs.
type Link interface {
	Emit(event string, data interface{}) error
	IsConnected() bool
}

// Client emits conversation signals over the realtime link. Every method is
// fire-and-forget and a no-op while disconnected.
type Client struct {
	link   Link
	logger zerolog.Logger
}

// NewClient wraps link.
func NewClient(link Link, logger zerolog.Logger) *Client {
	return &Client{
		link:   link,
		logger: logger.With().Str(logging.FieldComponent, "conversation").Logger(),
	}
}

func (c *Client) JoinConversation(conversationID string) {
	c.emit(protocol.EventJoinConversation, conversationID, conversationID)
}

func (c *Client) LeaveConversation(conversationID string) {
	c.emit(protocol.EventLeaveConversation, conversationID, conversationID)
}

// SendMessage emits the message when connected and reports whether it did.
// It never touches a message list; optimistic insertion and fallback are the
// caller's job.
func (c *Client) SendMessage(conversationID, content string, messageType protocol.MessageType) bool {
	if messageType == "" {
		messageType = protocol.MessageText
	}
	return c.emit(protocol.EventSendMessage, conversationID, protocol.SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
	})
}

// MarkAsRead is idempotent from the caller's side; call it freely.
func (c *Client) MarkAsRead(conversationID string) {
	c.emit(protocol.EventMarkAsRead, conversationID, conversationID)
}

func (c *Client) SendTyping(conversationID string) {
	c.emit(protocol.EventTyping, conversationID, conversationID)
}

func (c *Client) SendStopTyping(conversationID string) {
	c.emit(protocol.EventStopTyping, conversationID, conversationID)
}

func (c *Client) emit(event, conversationID string, data interface{}) bool {
	if !c.link.IsConnected() {
		return false
	}
	if err := c.link.Emit(event, data); err != nil {
		c.logger.Debug().
			Err(err).
			Str(logging.FieldEvent, event).
			Str(logging.FieldConversationID, conversationID).
			Msg("emit dropped")
		return false
	}
	return true
}
