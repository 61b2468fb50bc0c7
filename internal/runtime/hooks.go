package runtime

import (
	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
	"github.com/drblury/waflow/internal/runtime/queue"
)

// ErrorContext tells an error hook where an error came from.
type ErrorContext struct {
	// Source is one of start, stop.subscriber, stop.publisher, stop.chat,
	// stop.admin, stop.deadletter, handleInboundMessage,
	// handleOutboundCommand or uncaughtPanic.
	Source string
	// Fields carries the identifiers logged with the error, already masked.
	Fields loggingpkg.LogFields
}

// Hooks defines callbacks for runtime events.
// All hooks are optional - nil hooks are simply not called. Hooks run on the
// goroutine that produced the event and must not block.
type Hooks struct {
	// OnError is called for every reported error after it has been logged.
	OnError func(err error, ctx ErrorContext)

	// OnQR is called with the pairing code while the chat client waits for
	// authentication.
	OnQR func(qr string)

	OnReady         func()
	OnAuthenticated func()
	OnDisconnected  func(reason string)

	// OnOutboundResult is called once per send attempt made by the runtime,
	// successful or not.
	OnOutboundResult func(result queue.OutboundResult)
}

// Merge combines two Hooks, creating a new Hooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnError:          chainErrorHooks(h.OnError, other.OnError),
		OnQR:             chainStringHooks(h.OnQR, other.OnQR),
		OnReady:          chainHooks(h.OnReady, other.OnReady),
		OnAuthenticated:  chainHooks(h.OnAuthenticated, other.OnAuthenticated),
		OnDisconnected:   chainStringHooks(h.OnDisconnected, other.OnDisconnected),
		OnOutboundResult: chainResultHooks(h.OnOutboundResult, other.OnOutboundResult),
	}
}

func chainHooks(a, b func()) func() {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func() {
		a()
		b()
	}
}

func chainStringHooks(a, b func(string)) func(string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(s string) {
		a(s)
		b(s)
	}
}

func chainErrorHooks(a, b func(error, ErrorContext)) func(error, ErrorContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(err error, ctx ErrorContext) {
		a(err, ctx)
		b(err, ctx)
	}
}

func chainResultHooks(a, b func(queue.OutboundResult)) func(queue.OutboundResult) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(result queue.OutboundResult) {
		a(result)
		b(result)
	}
}

// LoggingHooks returns pre-built hooks that log outbound results at debug
// level.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	return Hooks{
		OnOutboundResult: func(result queue.OutboundResult) {
			logger.Debug("Outbound send result", loggingpkg.LogFields{
				"ok":         result.OK,
				"command_id": result.CommandID,
				"error":      result.Error,
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on errors.
func AlertingHooks(alertFunc func(err error, ctx ErrorContext)) Hooks {
	return Hooks{
		OnError: alertFunc,
	}
}
