package runtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/waflow/chat"
	"github.com/drblury/waflow/internal/runtime/deadletter"
	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
	"github.com/drblury/waflow/internal/runtime/pipeline"
	"github.com/drblury/waflow/internal/runtime/privacy"
	"github.com/drblury/waflow/internal/runtime/tracing"
)

// registerListeners wires the chat callbacks once per runtime.
func (r *Runtime) registerListeners() {
	if r.listenersRegistered {
		return
	}
	r.client.Listen(chat.Listeners{
		OnMessage: func(msg chat.Message, eventType chat.EventType) {
			r.goSafe(func() { r.handleInboundMessage(context.Background(), msg, eventType) })
		},
		OnQR: func(qr string) {
			r.logger.Info("QR code received, scan it with the phone", nil)
			if r.hooks.OnQR != nil {
				r.hooks.OnQR(qr)
			}
		},
		OnAuthenticated: func() {
			r.logger.Info("Chat client authenticated", nil)
			if r.hooks.OnAuthenticated != nil {
				r.hooks.OnAuthenticated()
			}
		},
		OnAuthFailure: func(reason string) {
			r.logger.Error("Chat client authentication failed", nil, loggingpkg.LogFields{"reason": reason})
		},
		OnDisconnected: func(reason string) {
			r.logger.Warn("Chat client disconnected", loggingpkg.LogFields{"reason": reason})
			if r.hooks.OnDisconnected != nil {
				r.hooks.OnDisconnected(reason)
			}
		},
		OnReady: func() {
			r.logger.Info("Chat client ready", nil)
			if r.hooks.OnReady != nil {
				r.hooks.OnReady()
			}
		},
		OnLoadingScreen: func(percent int, message string) {
			r.logger.Debug("Chat client loading", loggingpkg.LogFields{"percent": percent, "message": message})
		},
		OnChangeState: func(state string) {
			r.logger.Debug("Chat client state changed", loggingpkg.LogFields{"state": state})
		},
	})
	r.listenersRegistered = true
}

// goSafe runs fn in its own goroutine. A panic is reported and, while
// signals are attached, stops the runtime.
func (r *Runtime) goSafe(fn func()) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.handlePanic(rec)
			}
		}()
		fn()
	}()
}

func (r *Runtime) handlePanic(rec any) {
	err, ok := rec.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", rec)
	}
	r.reportError(err, "uncaughtPanic", nil)
	if r.SignalsAttached() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = r.Stop(ctx)
		}()
	}
}

func (r *Runtime) acceptingInbound() bool {
	return !r.stopping.Load() && r.State() != StateStopping
}

func (r *Runtime) handleInboundMessage(ctx context.Context, msg chat.Message, eventType chat.EventType) {
	if !r.acceptingInbound() || msg == nil {
		return
	}
	ev := msg.Event()
	if ev.ID == "" {
		r.logger.Warn("Skipping inbound message without serialized ID", loggingpkg.LogFields{
			"event_type": string(eventType),
			"chat_id":    privacy.MaskChatID(ev.From),
		})
		return
	}
	if !r.dedup.ShouldProcess(ev.ID) {
		r.metrics.recordDuplicate()
		r.logger.Debug("Skipping duplicate inbound message event", loggingpkg.LogFields{
			"message_id": privacy.MaskMessageID(ev.ID),
			"event_type": string(eventType),
		})
		return
	}

	ctx, span := tracing.StartSpan(ctx, "waflow.inbound",
		attribute.String("messaging.event_type", string(eventType)),
	)
	defer span.End()

	record, err := r.normalizer.Process(ctx, msg, eventType)
	if err != nil {
		tracing.RecordError(ctx, err)
		r.reportError(err, "handleInboundMessage", loggingpkg.LogFields{"message_id": privacy.MaskMessageID(ev.ID)})
		return
	}
	span.SetAttributes(
		attribute.String("messaging.message_kind", string(record.Content.Kind)),
		attribute.String("messaging.destination", record.Routing.SuggestedTopic),
	)

	if err := r.publisher.Publish(ctx, record.Routing.SuggestedTopic, record); err != nil {
		tracing.RecordError(ctx, err)
		r.reportError(err, "handleInboundMessage", loggingpkg.LogFields{
			"message_id": privacy.MaskMessageID(record.ID),
			"topic":      record.Routing.SuggestedTopic,
		})
		r.deadLetterRecord(ctx, record, err)
		return
	}

	r.metrics.recordPublished(record.Content.Kind)
	r.logger.Info("Enqueued inbound message", loggingpkg.LogFields{
		"message_id":   privacy.MaskMessageID(record.ID),
		"queue_name":   r.publisher.Topic(record.Routing.SuggestedTopic),
		"message_kind": string(record.Content.Kind),
	})
}

func (r *Runtime) deadLetterRecord(ctx context.Context, record pipeline.MessageRecord, cause error) {
	store := r.deadLetterStore()
	if store == nil {
		return
	}
	entry, err := deadletter.NewEntry(deadletter.ReasonPublishFailed, r.publisher.Topic(record.Routing.SuggestedTopic), record, cause)
	if err == nil {
		err = store.Write(ctx, entry)
	}
	if err != nil {
		r.logger.Error("Failed to write dead letter", err, loggingpkg.LogFields{
			"reason":     string(deadletter.ReasonPublishFailed),
			"message_id": privacy.MaskMessageID(record.ID),
		})
		return
	}
	r.metrics.recordDeadLetter(deadletter.ReasonPublishFailed)
}

func (r *Runtime) deadLetterStore() deadletter.Store {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()
	return r.deadLetters
}
