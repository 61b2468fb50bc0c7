// Package pipeline turns raw chat events into canonical message records:
// deduplication, classification, enrichment and routing.
package pipeline

// MessageKind classifies the content of a message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindOther    MessageKind = "other"
)

// MessageKinds is the closed set of kinds the router handles.
var MessageKinds = []MessageKind{KindText, KindImage, KindVideo, KindAudio, KindDocument, KindOther}

type ConversationKind string

const (
	ConversationDirect    ConversationKind = "direct"
	ConversationGroup     ConversationKind = "group"
	ConversationBroadcast ConversationKind = "broadcast"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// TransportSource is the constant transport.source value of every record.
const TransportSource = "whatsapp"

// SchemaName is published as event metadata so consumers can tell record
// versions apart.
const SchemaName = "waflow.MessageRecord.v1"

// SentAtLayout renders sentAt as ISO-8601 UTC with milliseconds.
const SentAtLayout = "2006-01-02T15:04:05.000Z"

// MessageRecord is the canonical, immutable form of one accepted inbound
// event. Pointer fields are nil when their value is unknown.
type MessageRecord struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	ConversationKind ConversationKind `json:"conversationKind"`
	SenderID         string           `json:"senderId"`
	AuthorID         *string          `json:"authorId,omitempty"`
	Direction        Direction        `json:"direction"`
	SentAt           string           `json:"sentAt"`
	Content          Content          `json:"content"`
	Flags            Flags            `json:"flags"`
	Reply            *ReplyContext    `json:"reply,omitempty"`
	Mentions         []string         `json:"mentions"`
	Sender           *SenderProfile   `json:"sender,omitempty"`
	Group            *GroupContext    `json:"group,omitempty"`
	Delivery         Delivery         `json:"delivery"`
	Transport        TransportInfo    `json:"transport"`
	Routing          RoutingMetadata  `json:"routing"`
}

type Content struct {
	Text     string      `json:"text"`
	Kind     MessageKind `json:"kind"`
	HasMedia bool        `json:"hasMedia"`
}

type Flags struct {
	FromMe           bool `json:"fromMe"`
	IsForwarded      bool `json:"isForwarded"`
	HasQuotedMessage bool `json:"hasQuotedMessage"`
}

type ReplyContext struct {
	QuotedMessageID *string `json:"quotedMessageId,omitempty"`
	QuotedText      *string `json:"quotedText,omitempty"`
}

type SenderProfile struct {
	Name            *string `json:"name,omitempty"`
	PushName        *string `json:"pushName,omitempty"`
	FormattedNumber *string `json:"formattedNumber,omitempty"`
}

type GroupContext struct {
	Name             *string `json:"name,omitempty"`
	ParticipantCount *int    `json:"participantCount,omitempty"`
}

type Delivery struct {
	Ack         *int    `json:"ack,omitempty"`
	RecipientID *string `json:"recipientId,omitempty"`
}

type TransportInfo struct {
	Source    string  `json:"source"`
	RawType   *string `json:"rawType,omitempty"`
	EventType string  `json:"eventType"`
}

type RoutingMetadata struct {
	RouteKey       string      `json:"routeKey"`
	MessageKind    MessageKind `json:"messageKind"`
	SuggestedTopic string      `json:"suggestedTopic"`
}

// optional returns nil for the empty string.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
