package queue

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	idspkg "github.com/drblury/waflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/waflow/internal/runtime/metadata"
)

// RetryConfig tunes the queue-layer retry of failed sends.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// RetryIf limits which errors are retried. Nil retries everything.
	RetryIf func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	return cfg
}

// correlationIDMiddleware injects a correlation ID when the producer did not
// set one.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func retryMiddleware(cfg RetryConfig, logger watermill.LoggerAdapter) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		Multiplier:      normalized.Multiplier,
		Logger:          logger,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if normalized.RetryIf != nil {
				return normalized.RetryIf(params.Err)
			}
			return true
		},
	}.Middleware
}

// poisonMiddleware forwards every message whose handling still failed to the
// poison topic and acks it.
func poisonMiddleware(publisher message.Publisher, topic string) (message.HandlerMiddleware, error) {
	return middleware.PoisonQueueWithFilter(publisher, topic, func(error) bool { return true })
}

type commandKey struct{}

func withCommand(ctx context.Context, cmd OutboundCommand) context.Context {
	return context.WithValue(ctx, commandKey{}, cmd)
}

// CommandFromContext returns the decoded command attached to a message
// context by the subscriber.
func CommandFromContext(ctx context.Context) (OutboundCommand, bool) {
	cmd, ok := ctx.Value(commandKey{}).(OutboundCommand)
	return cmd, ok
}

// chain applies middlewares so that the first one is the outermost.
func chain(h message.HandlerFunc, middlewares ...message.HandlerMiddleware) message.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			h = middlewares[i](h)
		}
	}
	return h
}
