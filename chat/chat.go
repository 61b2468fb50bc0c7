// Package chat describes the chat client the bridge drives. The bridge never
// speaks the chat protocol itself; it consumes events and sends messages
// through these interfaces. chat/waha implements them against a WAHA server
// and chat/chattest provides an in-memory fake.
package chat

import (
	"context"
	"errors"
	"strings"
)

// EventType names the listener that produced an inbound event.
type EventType string

const (
	// EventMessage fires for messages received from others.
	EventMessage EventType = "message"
	// EventMessageCreate fires for every message created in a chat,
	// including the account's own.
	EventMessageCreate EventType = "message_create"
)

// Chat ID suffixes used to derive the conversation kind.
const (
	ContactSuffix   = "@c.us"
	GroupSuffix     = "@g.us"
	BroadcastSuffix = "@broadcast"
)

// ErrNotFound is returned by lookups when the chat client does not know the
// requested entity.
var ErrNotFound = errors.New("chat: not found")

// Event is the raw data of one chat message as delivered by the client.
type Event struct {
	ID           string
	From         string
	To           string
	Author       string
	FromMe       bool
	Timestamp    int64
	Body         string
	HasMedia     bool
	Type         string
	IsForwarded  bool
	HasQuotedMsg bool
	MentionedIDs []string
	// Ack is the delivery acknowledgement level, nil when unknown.
	Ack *int
}

// IsGroup reports whether the event belongs to a group conversation.
func (e Event) IsGroup() bool {
	return strings.HasSuffix(e.From, GroupSuffix)
}

// Message is an inbound event plus lazy lookups of related entities. Each
// lookup may fail independently.
type Message interface {
	Event() Event
	Chat(ctx context.Context) (Conversation, error)
	QuotedMessage(ctx context.Context) (Message, error)
	Contact(ctx context.Context) (Contact, error)
}

// Conversation is the chat an event belongs to.
type Conversation struct {
	ID           string
	Name         string
	IsGroup      bool
	Participants []string
}

// Contact is the sender profile of a message.
type Contact interface {
	ID() string
	Name() string
	PushName() string
	FormattedNumber(ctx context.Context) (string, error)
}

// SentMessage identifies a message accepted by the chat client.
type SentMessage struct {
	ID        string
	Timestamp int64
}

// Listeners receives events from the client. Nil callbacks are skipped.
type Listeners struct {
	OnMessage func(msg Message, eventType EventType)

	OnQR            func(qr string)
	OnAuthenticated func()
	OnAuthFailure   func(reason string)
	OnDisconnected  func(reason string)
	OnReady         func()
	OnLoadingScreen func(percent int, message string)
	OnChangeState   func(state string)
}

// Client is the chat capability. Listen must be called before Initialize;
// calling it again replaces the listeners.
type Client interface {
	Listen(listeners Listeners)
	Initialize(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, content string) (SentMessage, error)
	Destroy(ctx context.Context) error
}
