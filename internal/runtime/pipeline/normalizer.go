package pipeline

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/waflow/chat"
	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	"github.com/drblury/waflow/internal/runtime/logging"
	"github.com/drblury/waflow/internal/runtime/privacy"
)

// Normalizer builds MessageRecords from chat messages. Enrichment lookups
// run concurrently and a failed lookup only leaves its field empty.
type Normalizer struct {
	router Router
	logger logging.ServiceLogger
}

func NewNormalizer(router Router, logger logging.ServiceLogger) *Normalizer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Normalizer{router: router, logger: logger}
}

func (n *Normalizer) Router() Router {
	return n.router
}

// ClassifyMessage derives the kind from the media flag, body and raw type.
func ClassifyMessage(ev chat.Event) MessageKind {
	if !ev.HasMedia && ev.Body != "" {
		return KindText
	}
	if !ev.HasMedia {
		return KindOther
	}
	switch ev.Type {
	case "image":
		return KindImage
	case "video":
		return KindVideo
	case "audio", "ptt":
		return KindAudio
	case "document":
		return KindDocument
	default:
		return KindOther
	}
}

func ConversationKindOf(conversationID string) ConversationKind {
	switch {
	case strings.HasSuffix(conversationID, chat.GroupSuffix):
		return ConversationGroup
	case strings.HasSuffix(conversationID, chat.BroadcastSuffix):
		return ConversationBroadcast
	default:
		return ConversationDirect
	}
}

// FallbackFormattedNumber strips the first contact and group marker from a
// chat id. Ids without a marker come back unchanged.
func FallbackFormattedNumber(rawID string) string {
	rawID = strings.Replace(rawID, chat.ContactSuffix, "", 1)
	return strings.Replace(rawID, chat.GroupSuffix, "", 1)
}

// FormatSentAt renders epoch seconds in SentAtLayout.
func FormatSentAt(epochSeconds int64) string {
	return time.Unix(epochSeconds, 0).UTC().Format(SentAtLayout)
}

// Process returns an error only for a nil message or a message without id.
func (n *Normalizer) Process(ctx context.Context, msg chat.Message, eventType chat.EventType) (MessageRecord, error) {
	if msg == nil {
		return MessageRecord{}, errspkg.ErrMessageRequired
	}
	ev := msg.Event()
	if ev.ID == "" {
		return MessageRecord{}, errspkg.ErrMessageIDRequired
	}

	kind := ClassifyMessage(ev)
	convKind := ConversationKindOf(ev.From)
	isGroup := convKind == ConversationGroup
	logger := n.logger.With(logging.LogFields{
		"message_id": privacy.MaskMessageID(ev.ID),
		"chat_id":    privacy.MaskChatID(ev.From),
	})

	var (
		group  *GroupContext
		reply  *ReplyContext
		sender *SenderProfile
		g      errgroup.Group
	)
	if isGroup {
		g.Go(func() error {
			group = n.loadGroup(ctx, msg, logger)
			return nil
		})
	}
	if ev.HasQuotedMsg {
		g.Go(func() error {
			reply = n.loadReply(ctx, msg, logger)
			return nil
		})
	}
	g.Go(func() error {
		sender = n.loadSender(ctx, msg, ev, isGroup, logger)
		return nil
	})
	_ = g.Wait()

	senderID := ev.From
	var authorID *string
	if isGroup {
		authorID = optional(ev.Author)
		if ev.Author != "" {
			senderID = ev.Author
		}
	}

	direction := DirectionIncoming
	var recipientID *string
	if ev.FromMe {
		direction = DirectionOutgoing
		recipientID = optional(ev.To)
	}

	mentions := make([]string, len(ev.MentionedIDs))
	copy(mentions, ev.MentionedIDs)

	var ack *int
	if ev.Ack != nil {
		v := *ev.Ack
		ack = &v
	}

	return MessageRecord{
		ID:               ev.ID,
		ConversationID:   ev.From,
		ConversationKind: convKind,
		SenderID:         senderID,
		AuthorID:         authorID,
		Direction:        direction,
		SentAt:           FormatSentAt(ev.Timestamp),
		Content: Content{
			Text:     ev.Body,
			Kind:     kind,
			HasMedia: ev.HasMedia,
		},
		Flags: Flags{
			FromMe:           ev.FromMe,
			IsForwarded:      ev.IsForwarded,
			HasQuotedMessage: ev.HasQuotedMsg,
		},
		Reply:    reply,
		Mentions: mentions,
		Sender:   sender,
		Group:    group,
		Delivery: Delivery{Ack: ack, RecipientID: recipientID},
		Transport: TransportInfo{
			Source:    TransportSource,
			RawType:   optional(ev.Type),
			EventType: string(eventType),
		},
		Routing: n.router.Route(kind),
	}, nil
}

func (n *Normalizer) loadGroup(ctx context.Context, msg chat.Message, logger logging.ServiceLogger) *GroupContext {
	conv, err := msg.Chat(ctx)
	if err != nil {
		logger.Warn("Failed to load group metadata", logging.LogFields{"error": err.Error()})
		return nil
	}

	group := &GroupContext{Name: optional(conv.Name)}
	if conv.IsGroup {
		count := len(conv.Participants)
		group.ParticipantCount = &count
	}
	if group.Name == nil && group.ParticipantCount == nil {
		return nil
	}
	return group
}

func (n *Normalizer) loadReply(ctx context.Context, msg chat.Message, logger logging.ServiceLogger) *ReplyContext {
	quoted, err := msg.QuotedMessage(ctx)
	if err != nil || quoted == nil {
		fields := logging.LogFields{}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.Warn("Failed to load quoted message", fields)
		return nil
	}
	qev := quoted.Event()
	text := qev.Body
	return &ReplyContext{QuotedMessageID: optional(qev.ID), QuotedText: &text}
}

func (n *Normalizer) loadSender(ctx context.Context, msg chat.Message, ev chat.Event, isGroup bool, logger logging.ServiceLogger) *SenderProfile {
	contact, err := msg.Contact(ctx)
	if err != nil || contact == nil {
		fields := logging.LogFields{}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.Warn("Failed to load contact metadata", fields)
		return nil
	}

	profile := &SenderProfile{
		Name:     optional(contact.Name()),
		PushName: optional(contact.PushName()),
	}

	number, err := contact.FormattedNumber(ctx)
	if err != nil {
		rawID := ev.From
		if isGroup {
			rawID = ev.Author
		}
		if rawID == "" {
			rawID = contact.ID()
		}
		profile.FormattedNumber = optional(FallbackFormattedNumber(rawID))
	} else {
		profile.FormattedNumber = optional(number)
	}

	if profile.Name == nil && profile.PushName == nil && profile.FormattedNumber == nil {
		return nil
	}
	return profile
}
