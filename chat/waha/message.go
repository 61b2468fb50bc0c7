package waha

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/drblury/waflow/chat"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
)

// messageID accepts both the plain string form and the {"_serialized": ...}
// object some WAHA engines return.
type messageID string

func (id *messageID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Serialized string `json:"_serialized"`
		}
		if err := jsoncodec.Unmarshal(data, &obj); err != nil {
			return err
		}
		*id = messageID(obj.Serialized)
		return nil
	}
	var s string
	if err := jsoncodec.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = messageID(s)
	return nil
}

type mediaPayload struct {
	URL      string `json:"url"`
	MimeType string `json:"mimetype"`
	Filename string `json:"filename"`
}

type replyToPayload struct {
	ID          messageID `json:"id"`
	Participant string    `json:"participant"`
	Body        string    `json:"body"`
}

// engineData is the engine specific "_data" block; only fields with no
// top-level equivalent are read.
type engineData struct {
	Type             string   `json:"type"`
	IsForwarded      bool     `json:"isForwarded"`
	MentionedJidList []string `json:"mentionedJidList"`
}

type messagePayload struct {
	ID          messageID       `json:"id"`
	Timestamp   int64           `json:"timestamp"`
	From        string          `json:"from"`
	FromMe      bool            `json:"fromMe"`
	To          string          `json:"to"`
	Participant string          `json:"participant"`
	Body        string          `json:"body"`
	HasMedia    bool            `json:"hasMedia"`
	Media       *mediaPayload   `json:"media"`
	Ack         *int            `json:"ack"`
	ReplyTo     *replyToPayload `json:"replyTo"`
	Data        engineData      `json:"_data"`
}

func (p messagePayload) event() chat.Event {
	return chat.Event{
		ID:           string(p.ID),
		From:         p.From,
		To:           p.To,
		Author:       p.Participant,
		FromMe:       p.FromMe,
		Timestamp:    p.Timestamp,
		Body:         p.Body,
		HasMedia:     p.HasMedia,
		Type:         p.messageType(),
		IsForwarded:  p.Data.IsForwarded,
		HasQuotedMsg: p.ReplyTo != nil && p.ReplyTo.ID != "",
		MentionedIDs: p.Data.MentionedJidList,
		Ack:          p.Ack,
	}
}

// messageType prefers the engine's own type and falls back to the media MIME
// type.
func (p messagePayload) messageType() string {
	if p.Data.Type != "" {
		return p.Data.Type
	}
	if !p.HasMedia {
		return "chat"
	}
	if p.Media == nil {
		return "unknown"
	}
	switch major, _, _ := strings.Cut(p.Media.MimeType, "/"); major {
	case "image":
		return "image"
	case "video":
		return "video"
	case "audio":
		return "audio"
	default:
		return "document"
	}
}

// Message is a WAHA message with lookups served by the REST API.
type Message struct {
	client  *Client
	payload messagePayload
}

var _ chat.Message = (*Message)(nil)

func (c *Client) newMessage(payload messagePayload) *Message {
	return &Message{client: c, payload: payload}
}

func (m *Message) Event() chat.Event {
	return m.payload.event()
}

// chatID is the conversation the message belongs to, which for the account's
// own messages is the recipient.
func (m *Message) chatID() string {
	if m.payload.FromMe && m.payload.To != "" {
		return m.payload.To
	}
	return m.payload.From
}

type groupParticipant struct {
	ID messageID `json:"id"`
}

type groupPayload struct {
	Subject      string             `json:"subject"`
	Name         string             `json:"name"`
	Participants []groupParticipant `json:"participants"`
}

func (m *Message) Chat(ctx context.Context) (chat.Conversation, error) {
	id := m.chatID()
	if !strings.HasSuffix(id, chat.GroupSuffix) {
		contact, err := m.client.lookupContact(ctx, id)
		if err != nil {
			return chat.Conversation{}, err
		}
		return chat.Conversation{ID: id, Name: contact.displayName()}, nil
	}

	var group groupPayload
	path := fmt.Sprintf("%s/%s/groups/%s", apiBase, url.PathEscape(m.client.session), url.PathEscape(id))
	if err := m.client.do(ctx, http.MethodGet, path, nil, &group); err != nil {
		return chat.Conversation{}, err
	}
	conv := chat.Conversation{ID: id, Name: group.Subject, IsGroup: true}
	if conv.Name == "" {
		conv.Name = group.Name
	}
	for _, p := range group.Participants {
		conv.Participants = append(conv.Participants, string(p.ID))
	}
	return conv, nil
}

// QuotedMessage is built from the reply block when it carries the quoted
// text, otherwise fetched from the chat history.
func (m *Message) QuotedMessage(ctx context.Context) (chat.Message, error) {
	reply := m.payload.ReplyTo
	if reply == nil || reply.ID == "" {
		return nil, chat.ErrNotFound
	}
	if reply.Body != "" {
		return m.client.newMessage(messagePayload{
			ID:          reply.ID,
			From:        m.chatID(),
			Participant: reply.Participant,
			Body:        reply.Body,
		}), nil
	}

	var payload messagePayload
	path := fmt.Sprintf("%s/%s/chats/%s/messages/%s", apiBase,
		url.PathEscape(m.client.session), url.PathEscape(m.chatID()), url.PathEscape(string(reply.ID)))
	if err := m.client.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return m.client.newMessage(payload), nil
}

func (m *Message) Contact(ctx context.Context) (chat.Contact, error) {
	id := m.payload.From
	if strings.HasSuffix(id, chat.GroupSuffix) && m.payload.Participant != "" {
		id = m.payload.Participant
	}
	return m.client.lookupContact(ctx, id)
}

type contactPayload struct {
	ID       string `json:"id"`
	Number   string `json:"number"`
	Name     string `json:"name"`
	PushName string `json:"pushname"`
}

func (c contactPayload) displayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.PushName
}

func (c *Client) lookupContact(ctx context.Context, id string) (*Contact, error) {
	q := url.Values{}
	q.Set("contactId", id)
	q.Set("session", c.session)

	var payload contactPayload
	if err := c.do(ctx, http.MethodGet, apiBase+endpointContacts+"?"+q.Encode(), nil, &payload); err != nil {
		return nil, err
	}
	if payload.ID == "" {
		payload.ID = id
	}
	return &Contact{payload: payload}, nil
}

// Contact is a WAHA contact record.
type Contact struct {
	payload contactPayload
}

var _ chat.Contact = (*Contact)(nil)

func (c *Contact) ID() string       { return c.payload.ID }
func (c *Contact) Name() string     { return c.payload.Name }
func (c *Contact) PushName() string { return c.payload.PushName }

func (c *Contact) displayName() string {
	return c.payload.displayName()
}

// FormattedNumber renders the contact's number in international form. WAHA
// has no formatting endpoint, so a contact without a number is ErrNotFound
// and callers fall back to deriving one from the chat ID.
func (c *Contact) FormattedNumber(context.Context) (string, error) {
	number := strings.TrimPrefix(c.payload.Number, "+")
	if number == "" {
		return "", chat.ErrNotFound
	}
	return "+" + number, nil
}
