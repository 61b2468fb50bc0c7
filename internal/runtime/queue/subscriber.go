package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/waflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/waflow/internal/runtime/metadata"
	"github.com/drblury/waflow/internal/runtime/privacy"
	"github.com/drblury/waflow/transport"
)

// CommandHandler performs one send. A returned error is retried by the queue
// layer.
type CommandHandler func(ctx context.Context, cmd OutboundCommand) error

// SubscriberConfig configures the outbound worker pool.
type SubscriberConfig struct {
	// Topic is the broker topic commands are consumed from.
	Topic string
	// Concurrency is the number of workers. Workers beyond the first only
	// get their own subscription when the transport has competing consumers.
	Concurrency  int
	Capabilities transport.Capabilities

	Retry RetryConfig

	// PoisonQueue receives commands that failed after every retry. The
	// PoisonPublisher is required when it is set.
	PoisonQueue     string
	PoisonPublisher message.Publisher

	DeadLetters deadletter.Store
	// MetricsRegisterer enables Watermill router metrics when set.
	MetricsRegisterer prometheus.Registerer
	CloseTimeout      time.Duration

	// OnInvalid runs after an invalid payload was acked and dead-lettered.
	OnInvalid func(payload []byte, err error)
	// OnFailure runs after a command failed for good.
	OnFailure func(cmd OutboundCommand, err error)
}

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Subscriber consumes outbound commands and hands valid ones to a
// CommandHandler through the retry middleware chain. Every message is acked
// once its outcome is final.
type Subscriber struct {
	cfg    SubscriberConfig
	logger loggingpkg.ServiceLogger

	mu     sync.Mutex
	router *message.Router
	done   chan struct{}
}

func NewSubscriber(cfg SubscriberConfig, logger loggingpkg.ServiceLogger) *Subscriber {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Subscriber{cfg: cfg, logger: logger}
}

// Connect subscribes to the command topic and returns once the workers are
// running. The workers keep running until Disconnect; ctx only bounds the
// wait for startup.
func (s *Subscriber) Connect(ctx context.Context, sub message.Subscriber, handler CommandHandler) error {
	if sub == nil {
		return errspkg.ErrSubscriberRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if s.cfg.Topic == "" {
		return errspkg.ErrTopicRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router != nil {
		return errspkg.ErrSubscriberConnected
	}

	router, err := s.newRouter(sub, handler)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	runErr := make(chan error, 1)
	go func() {
		defer close(done)
		err := routerRun(router, context.Background())
		if err != nil {
			s.logger.Error("Outbound worker error", err, loggingpkg.LogFields{"queue_name": s.cfg.Topic})
		}
		runErr <- err
	}()

	select {
	case <-router.Running():
	case err := <-runErr:
		if err == nil {
			err = fmt.Errorf("outbound router stopped before running")
		}
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Topic, err)
	case <-ctx.Done():
		_ = router.Close()
		<-done
		return ctx.Err()
	}

	s.router = router
	s.done = done
	s.logger.Info("Outbound worker ready", loggingpkg.LogFields{
		"queue_name": s.cfg.Topic,
		"workers":    len(router.Handlers()),
	})
	return nil
}

func (s *Subscriber) newRouter(sub message.Subscriber, handler CommandHandler) (*message.Router, error) {
	wmLogger := loggingpkg.NewWatermillAdapter(s.logger)
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: s.cfg.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, err
	}

	if s.cfg.MetricsRegisterer != nil {
		metrics.NewPrometheusMetricsBuilder(s.cfg.MetricsRegisterer, "waflow", "outbound").
			AddPrometheusRouterMetrics(router)
	}

	var poison message.HandlerMiddleware
	if s.cfg.PoisonQueue != "" {
		if s.cfg.PoisonPublisher == nil {
			return nil, fmt.Errorf("poison queue %s: %w", s.cfg.PoisonQueue, errspkg.ErrPublisherRequired)
		}
		poison, err = poisonMiddleware(s.cfg.PoisonPublisher, s.cfg.PoisonQueue)
		if err != nil {
			return nil, err
		}
	}

	process := chain(
		dispatch(handler),
		correlationIDMiddleware,
		poison,
		s.failureMiddleware,
		retryMiddleware(s.cfg.Retry, wmLogger),
		middleware.Recoverer,
	)

	for i := 1; i <= s.workerCount(); i++ {
		router.AddNoPublisherHandler(fmt.Sprintf("waflow-outbound-%d", i), s.cfg.Topic, sub, s.consume(process))
	}
	return router, nil
}

func (s *Subscriber) workerCount() int {
	n := s.cfg.Concurrency
	if n < 1 {
		return 1
	}
	if n > 1 && !s.cfg.Capabilities.CompetingConsumers {
		s.logger.Info("Transport fans out subscriptions, running a single outbound worker", loggingpkg.LogFields{
			"transport":             s.cfg.Capabilities.Name,
			"requested_concurrency": n,
		})
		return 1
	}
	return n
}

// consume validates the payload before any retry logic runs. Invalid
// commands are acked and never retried.
func (s *Subscriber) consume(process message.HandlerFunc) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		cmd, err := DecodeCommand(msg.Payload)
		if err != nil {
			s.rejectInvalid(msg, err)
			return nil
		}
		msg.SetContext(withCommand(msg.Context(), cmd))
		_, err = process(msg)
		return err
	}
}

func dispatch(handler CommandHandler) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		cmd, _ := CommandFromContext(msg.Context())
		return nil, handler(msg.Context(), cmd)
	}
}

// failureMiddleware sits outside the retry middleware, so it only sees
// errors that survived every retry.
func (s *Subscriber) failureMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		if err == nil {
			return produced, nil
		}

		cmd, _ := CommandFromContext(msg.Context())
		s.logger.Error("Outbound command job failed", err, loggingpkg.LogFields{
			"job_id":         msg.UUID,
			"queue_name":     s.cfg.Topic,
			"chat_id":        privacy.MaskChatID(cmd.ChatID),
			"command_id":     cmd.CommandID,
			"correlation_id": msg.Metadata.Get(metadatapkg.KeyCorrelationID),
		})
		s.deadLetter(msg, deadletter.ReasonSendFailed, err)
		if s.cfg.OnFailure != nil {
			s.cfg.OnFailure(cmd, err)
		}

		if s.cfg.PoisonQueue != "" {
			return nil, err
		}
		return nil, nil
	}
}

func (s *Subscriber) rejectInvalid(msg *message.Message, err error) {
	s.logger.Warn("Invalid outbound command payload", loggingpkg.LogFields{
		"job_id":     msg.UUID,
		"queue_name": s.cfg.Topic,
		"error":      err.Error(),
	})
	s.deadLetter(msg, deadletter.ReasonInvalidCommand, err)
	if s.cfg.OnInvalid != nil {
		s.cfg.OnInvalid(msg.Payload, err)
	}
}

func (s *Subscriber) deadLetter(msg *message.Message, reason deadletter.Reason, cause error) {
	if s.cfg.DeadLetters == nil {
		return
	}
	entry, err := deadletter.NewEntry(reason, s.cfg.Topic, []byte(msg.Payload), cause)
	if err == nil {
		err = s.cfg.DeadLetters.Write(context.WithoutCancel(msg.Context()), entry)
	}
	if err != nil {
		s.logger.Error("Failed to write dead letter", err, loggingpkg.LogFields{
			"job_id": msg.UUID,
			"reason": string(reason),
		})
	}
}

// Connected reports whether the workers are running.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router != nil
}

// Disconnect stops the workers, waiting for in-flight commands up to the
// close timeout. The router closes the underlying subscriber.
func (s *Subscriber) Disconnect() error {
	s.mu.Lock()
	router, done := s.router, s.done
	s.router, s.done = nil, nil
	s.mu.Unlock()

	if router == nil {
		return nil
	}
	err := router.Close()
	<-done
	return err
}
