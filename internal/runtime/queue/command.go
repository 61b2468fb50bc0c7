package queue

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	idspkg "github.com/drblury/waflow/internal/runtime/ids"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/waflow/internal/runtime/metadata"
)

// CommandSchemaName tags outbound command messages.
const CommandSchemaName = "waflow.OutboundCommand.v1"

// OutboundCommand asks the bridge to send content to a chat.
type OutboundCommand struct {
	ChatID      string         `json:"chatId"`
	Content     string         `json:"content"`
	CommandID   string         `json:"commandId,omitempty"`
	RequestedAt string         `json:"requestedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// OutboundResult describes the outcome of one send attempt sequence.
type OutboundResult struct {
	OK            bool   `json:"ok"`
	ChatID        string `json:"chatId"`
	Content       string `json:"content"`
	CommandID     string `json:"commandId,omitempty"`
	Error         string `json:"error,omitempty"`
	SentMessageID string `json:"sentMessageId,omitempty"`
}

// CommandValidationError reports why a payload is not a usable command.
type CommandValidationError struct {
	Field  string
	Reason string
}

func (e *CommandValidationError) Error() string {
	if e.Field == "" {
		return "invalid outbound command: " + e.Reason
	}
	return fmt.Sprintf("invalid outbound command: %s %s", e.Field, e.Reason)
}

// DecodeCommand parses and validates an outbound command payload. chatId must
// be a non-empty string and content a string; optional fields of the wrong
// type are dropped rather than rejected.
func DecodeCommand(payload []byte) (OutboundCommand, error) {
	var raw map[string]any
	if err := jsoncodec.Unmarshal(payload, &raw); err != nil || raw == nil {
		return OutboundCommand{}, &CommandValidationError{Reason: "payload must be a JSON object"}
	}

	chatID, ok := raw["chatId"].(string)
	if !ok || chatID == "" {
		return OutboundCommand{}, &CommandValidationError{Field: "chatId", Reason: "must be a non-empty string"}
	}
	content, ok := raw["content"].(string)
	if !ok {
		return OutboundCommand{}, &CommandValidationError{Field: "content", Reason: "must be a string"}
	}

	cmd := OutboundCommand{ChatID: chatID, Content: content}
	if v, ok := raw["commandId"].(string); ok {
		cmd.CommandID = v
	}
	if v, ok := raw["requestedAt"].(string); ok {
		cmd.RequestedAt = v
	}
	if v, ok := raw["metadata"].(map[string]any); ok {
		cmd.Metadata = v
	}
	return cmd, nil
}

// NewCommandMessage wraps cmd in a Watermill message carrying the command
// schema and id headers.
func NewCommandMessage(cmd OutboundCommand, md metadatapkg.Metadata) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbound command: %w", err)
	}
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(md.
		With(metadatapkg.KeyEventSchema, CommandSchemaName).
		With(metadatapkg.KeyCommandID, cmd.CommandID))
	return msg, nil
}

// SendCommand publishes cmd to topic. Producers use it to enqueue sends.
func SendCommand(ctx context.Context, publisher message.Publisher, topic string, cmd OutboundCommand) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	msg, err := NewCommandMessage(cmd, nil)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}
