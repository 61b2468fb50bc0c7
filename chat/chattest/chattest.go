// Package chattest provides an in-memory chat.Client and chat.Message for
// tests and local runs without a chat server.
package chattest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/drblury/waflow/chat"
)

var ErrDestroyed = errors.New("chattest: client destroyed")

// Send records one SendMessage call.
type Send struct {
	ChatID  string
	Content string
}

// Client is a chat.Client that records calls and lets tests emit events.
type Client struct {
	mu          sync.Mutex
	listeners   chat.Listeners
	listenCalls int
	initCalls   int
	destroyCall int
	sends       []Send
	seq         int

	initErr    error
	destroyErr error
	sendFunc   func(chatID, content string) (chat.SentMessage, error)
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) Listen(listeners chat.Listeners) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = listeners
	c.listenCalls++
}

func (c *Client) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initCalls++
	return c.initErr
}

func (c *Client) SendMessage(_ context.Context, chatID, content string) (chat.SentMessage, error) {
	c.mu.Lock()
	c.sends = append(c.sends, Send{ChatID: chatID, Content: content})
	c.seq++
	seq := c.seq
	fn := c.sendFunc
	c.mu.Unlock()

	if fn != nil {
		return fn(chatID, content)
	}
	return chat.SentMessage{ID: fmt.Sprintf("true_%s_SENT%04d", chatID, seq)}, nil
}

func (c *Client) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyCall++
	return c.destroyErr
}

func (c *Client) SetInitializeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initErr = err
}

func (c *Client) SetDestroyError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyErr = err
}

// SetSendFunc overrides the result of SendMessage.
func (c *Client) SetSendFunc(fn func(chatID, content string) (chat.SentMessage, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendFunc = fn
}

func (c *Client) ListenCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenCalls
}

func (c *Client) InitializeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initCalls
}

func (c *Client) DestroyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyCall
}

func (c *Client) Sends() []Send {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Send(nil), c.sends...)
}

func (c *Client) current() chat.Listeners {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners
}

// Emit delivers msg to the registered OnMessage listener.
func (c *Client) Emit(msg chat.Message, eventType chat.EventType) {
	if fn := c.current().OnMessage; fn != nil {
		fn(msg, eventType)
	}
}

func (c *Client) EmitQR(qr string) {
	if fn := c.current().OnQR; fn != nil {
		fn(qr)
	}
}

func (c *Client) EmitReady() {
	if fn := c.current().OnReady; fn != nil {
		fn()
	}
}

func (c *Client) EmitAuthenticated() {
	if fn := c.current().OnAuthenticated; fn != nil {
		fn()
	}
}

func (c *Client) EmitAuthFailure(reason string) {
	if fn := c.current().OnAuthFailure; fn != nil {
		fn(reason)
	}
}

func (c *Client) EmitDisconnected(reason string) {
	if fn := c.current().OnDisconnected; fn != nil {
		fn(reason)
	}
}

func (c *Client) EmitLoadingScreen(percent int, message string) {
	if fn := c.current().OnLoadingScreen; fn != nil {
		fn(percent, message)
	}
}

func (c *Client) EmitChangeState(state string) {
	if fn := c.current().OnChangeState; fn != nil {
		fn(state)
	}
}

// Message is a chat.Message whose lookups return the configured values. A
// nil value without an error makes the lookup fail with chat.ErrNotFound.
type Message struct {
	Raw chat.Event

	Conversation *chat.Conversation
	ChatErr      error

	Quoted    chat.Message
	QuotedErr error

	Sender     *Contact
	ContactErr error

	chatCalls, quotedCalls, contactCalls atomic.Int32
}

func (m *Message) Event() chat.Event { return m.Raw }

func (m *Message) Chat(context.Context) (chat.Conversation, error) {
	m.chatCalls.Add(1)
	if m.ChatErr != nil {
		return chat.Conversation{}, m.ChatErr
	}
	if m.Conversation == nil {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return *m.Conversation, nil
}

func (m *Message) QuotedMessage(context.Context) (chat.Message, error) {
	m.quotedCalls.Add(1)
	if m.QuotedErr != nil {
		return nil, m.QuotedErr
	}
	if m.Quoted == nil {
		return nil, chat.ErrNotFound
	}
	return m.Quoted, nil
}

func (m *Message) Contact(context.Context) (chat.Contact, error) {
	m.contactCalls.Add(1)
	if m.ContactErr != nil {
		return nil, m.ContactErr
	}
	if m.Sender == nil {
		return nil, chat.ErrNotFound
	}
	return m.Sender, nil
}

func (m *Message) ChatCalls() int    { return int(m.chatCalls.Load()) }
func (m *Message) QuotedCalls() int  { return int(m.quotedCalls.Load()) }
func (m *Message) ContactCalls() int { return int(m.contactCalls.Load()) }

// Contact is a chat.Contact with fixed values.
type Contact struct {
	ContactID   string
	DisplayName string
	Push        string
	Number      string
	NumberErr   error
}

func (c *Contact) ID() string       { return c.ContactID }
func (c *Contact) Name() string     { return c.DisplayName }
func (c *Contact) PushName() string { return c.Push }

func (c *Contact) FormattedNumber(context.Context) (string, error) {
	if c.NumberErr != nil {
		return "", c.NumberErr
	}
	return c.Number, nil
}
