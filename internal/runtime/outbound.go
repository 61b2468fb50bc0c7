package runtime

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
	"github.com/drblury/waflow/internal/runtime/privacy"
	"github.com/drblury/waflow/internal/runtime/queue"
	"github.com/drblury/waflow/internal/runtime/tracing"
)

// handleOutboundCommand sends one validated command. Errors go back to the
// queue layer, which owns retries.
func (r *Runtime) handleOutboundCommand(ctx context.Context, cmd queue.OutboundCommand) error {
	ctx, span := tracing.StartSpan(ctx, "waflow.outbound",
		attribute.String("waflow.command_id", cmd.CommandID),
	)
	defer span.End()

	result := queue.OutboundResult{
		ChatID:    cmd.ChatID,
		Content:   cmd.Content,
		CommandID: cmd.CommandID,
	}

	sent, err := r.client.SendMessage(ctx, cmd.ChatID, cmd.Content)
	if err != nil {
		tracing.RecordError(ctx, err)
		r.reportError(err, "handleOutboundCommand", loggingpkg.LogFields{
			"chat_id":    privacy.MaskChatID(cmd.ChatID),
			"command_id": cmd.CommandID,
		})
		result.Error = err.Error()
		r.emitOutboundResult(result)
		return err
	}

	result.OK = true
	result.SentMessageID = sent.ID
	r.metrics.recordOutbound(outcomeSent)
	r.logger.Info("Outbound message sent", loggingpkg.LogFields{
		"chat_id":         privacy.MaskChatID(cmd.ChatID),
		"command_id":      cmd.CommandID,
		"sent_message_id": privacy.MaskMessageID(sent.ID),
	})
	r.emitOutboundResult(result)
	return nil
}

func (r *Runtime) emitOutboundResult(result queue.OutboundResult) {
	if r.hooks.OnOutboundResult != nil {
		r.hooks.OnOutboundResult(result)
	}
}
