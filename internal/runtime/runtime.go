package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/waflow/chat"
	configpkg "github.com/drblury/waflow/internal/runtime/config"
	"github.com/drblury/waflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
	"github.com/drblury/waflow/internal/runtime/pipeline"
	"github.com/drblury/waflow/internal/runtime/queue"
	"github.com/drblury/waflow/internal/runtime/retry"
	transportpkg "github.com/drblury/waflow/internal/runtime/transport"
	"github.com/drblury/waflow/transport"
)

// State is the lifecycle state of a Runtime.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Dependencies lets callers replace the collaborators the runtime would
// otherwise build from configuration.
type Dependencies struct {
	Hooks Hooks
	// TransportFactory defaults to the registry of built-in transports.
	TransportFactory transportpkg.Factory
	// DeadLetters overrides the store selected by the dead-letter settings.
	// The runtime does not close a store it did not open.
	DeadLetters deadletter.Store
	// Registry receives the runtime's Prometheus collectors. A private
	// registry is created when nil.
	Registry *prometheus.Registry
	// Clock drives the deduplication window.
	Clock func() time.Time
}

// Runtime bridges a chat client and a message broker: accepted inbound
// events are normalized and published, queued outbound commands are sent
// through the chat client.
type Runtime struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger
	client chat.Client
	hooks  Hooks

	factory     transportpkg.Factory
	registry    *prometheus.Registry
	metrics     *Metrics
	dedup       *pipeline.Deduplicator
	normalizer  *pipeline.Normalizer
	publisher   *queue.Publisher
	subscriber  *queue.Subscriber
	storeMu     sync.RWMutex
	deadLetters deadletter.Store
	ownsStore   bool
	inflight    sync.WaitGroup

	// mu serializes Start and Stop.
	mu                  sync.Mutex
	state               atomic.Int32
	stopping            atomic.Bool
	listenersRegistered bool
	transport           transport.Transport
	admin               *adminServer
	startedAt           atomic.Int64

	doneMu sync.Mutex
	done   chan struct{}

	signalMu   sync.Mutex
	signalCh   chan osSignal
	signalQuit chan struct{}
	signalWG   sync.WaitGroup
}

// New wires a runtime. Nothing is connected until Start.
func New(conf *configpkg.Config, log loggingpkg.ServiceLogger, client chat.Client, deps Dependencies) (*Runtime, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if client == nil {
		return nil, errspkg.ErrChatClientRequired
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	r := &Runtime{
		conf:        conf,
		logger:      log,
		client:      client,
		hooks:       deps.Hooks,
		factory:     factory,
		registry:    registry,
		dedup:       pipeline.NewDeduplicatorWithClock(conf.DedupWindow, clock),
		normalizer:  pipeline.NewNormalizer(pipeline.NewRouter(conf.InboundBaseTopic), log),
		publisher:   queue.NewPublisher(conf.QueuePrefix, log),
		deadLetters: deps.DeadLetters,
		done:        make(chan struct{}),
	}
	metrics, err := NewMetrics(registry, r.dedup.Len)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	r.metrics = metrics
	return r, nil
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Done is closed when the current run stops. A new channel is handed out
// after each successful Start.
func (r *Runtime) Done() <-chan struct{} {
	r.doneMu.Lock()
	defer r.doneMu.Unlock()
	return r.done
}

// Metrics exposes the runtime's counters.
func (r *Runtime) Metrics() *Metrics {
	return r.metrics
}

// Start connects the broker and the chat client. It is a no-op while the
// runtime is running. On failure everything acquired so far is released and
// the error is returned.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateRunning {
		return nil
	}
	r.state.Store(int32(StateStarting))

	r.logger.Info("Starting messaging runtime", loggingpkg.LogFields{
		"pubsub_system":  r.conf.PubSubSystem,
		"inbound_base":   r.conf.InboundBaseTopic,
		"outbound_topic": r.conf.Topic(r.conf.OutboundCommandTopic),
	})

	r.registerListeners()

	if err := r.start(ctx); err != nil {
		r.reportError(err, "start", nil)
		r.cleanupFailedStart(ctx)
		r.state.Store(int32(StateStopped))
		return err
	}

	r.startedAt.Store(time.Now().UnixNano())
	r.doneMu.Lock()
	select {
	case <-r.done:
		r.done = make(chan struct{})
	default:
	}
	r.doneMu.Unlock()

	r.state.Store(int32(StateRunning))
	r.logger.Info("Messaging runtime started", nil)
	return nil
}

func (r *Runtime) start(ctx context.Context) error {
	if r.deadLetterStore() == nil {
		store, err := deadletter.Open(ctx, deadletter.Options{
			Backend: r.conf.DeadLetterBackend,
			Path:    r.conf.DeadLetterPath,
			DSN:     r.conf.DeadLetterDSN,
		})
		if err != nil {
			return errspkg.WithStage("deadletter", err)
		}
		r.storeMu.Lock()
		r.deadLetters = store
		r.ownsStore = true
		r.storeMu.Unlock()
	}

	wmLogger := loggingpkg.NewWatermillAdapter(r.logger)
	t, err := retry.Do(ctx, r.startRetryConfig(), func(ctx context.Context) (transport.Transport, error) {
		return r.factory.Build(ctx, r.conf, wmLogger)
	}, retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("Broker connection failed, retrying", loggingpkg.LogFields{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}))
	if err != nil {
		return errspkg.WithStage("transport", err)
	}
	r.transport = t

	if err := r.publisher.Connect(t.Publisher); err != nil {
		return errspkg.WithStage("publisher", err)
	}

	r.subscriber = queue.NewSubscriber(r.subscriberConfig(t), r.logger)
	if err := r.subscriber.Connect(ctx, t.Subscriber, r.handleOutboundCommand); err != nil {
		return errspkg.WithStage("subscriber", err)
	}

	if err := r.client.Initialize(ctx); err != nil {
		return errspkg.WithStage("chat", err)
	}

	if r.conf.AdminPort > 0 {
		admin, err := startAdminServer(fmt.Sprintf(":%d", r.conf.AdminPort), r.adminHandler(), r.logger)
		if err != nil {
			return errspkg.WithStage("admin", err)
		}
		r.admin = admin
	}
	return nil
}

func (r *Runtime) startRetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:        r.conf.StartMaxRetries,
		InitialDelay:      r.conf.StartInitialDelay,
		MaxDelay:          r.conf.StartMaxDelay,
		BackoffMultiplier: r.conf.StartMultiplier,
	}
}

func (r *Runtime) subscriberConfig(t transport.Transport) queue.SubscriberConfig {
	cfg := queue.SubscriberConfig{
		Topic:        r.conf.Topic(r.conf.OutboundCommandTopic),
		Concurrency:  r.conf.OutboundConcurrency,
		Capabilities: r.factory.Capabilities(r.conf),
		Retry: queue.RetryConfig{
			MaxRetries:      r.conf.RetryMaxRetries,
			InitialInterval: r.conf.RetryInitialInterval,
			MaxInterval:     r.conf.RetryMaxInterval,
		},
		DeadLetters: r.deadLetterStore(),
		OnInvalid: func([]byte, error) {
			r.metrics.recordOutbound(outcomeInvalid)
			r.metrics.recordDeadLetter(deadletter.ReasonInvalidCommand)
		},
		OnFailure: func(cmd queue.OutboundCommand, err error) {
			r.metrics.recordOutbound(outcomeFailed)
			r.metrics.recordDeadLetter(deadletter.ReasonSendFailed)
		},
	}
	if r.conf.PoisonQueue != "" {
		cfg.PoisonQueue = r.conf.Topic(r.conf.PoisonQueue)
		cfg.PoisonPublisher = t.Publisher
	}
	if r.conf.MetricsEnabled {
		cfg.MetricsRegisterer = r.registry
	}
	return cfg
}

// cleanupFailedStart releases whatever start acquired. Every step runs even
// when an earlier one fails.
func (r *Runtime) cleanupFailedStart(ctx context.Context) {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"subscriber", r.disconnectSubscriber},
		{"publisher", r.publisher.Disconnect},
		{"chat", func() error { return r.client.Destroy(ctx) }},
		{"admin", func() error { return r.shutdownAdmin(ctx) }},
		{"deadletter", r.closeDeadLetters},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			r.logger.Debug("Cleanup after failed start", loggingpkg.LogFields{
				"step":  step.name,
				"error": err.Error(),
			})
		}
	}
}

// Stop disconnects the subscriber, the publisher and the chat client in that
// order. A failing step is reported and the remaining steps still run. Stop
// is a no-op when the runtime is stopped and returns at once when another
// Stop is in progress.
func (r *Runtime) Stop(ctx context.Context) error {
	if !r.stopping.CompareAndSwap(false, true) {
		return nil
	}
	defer r.stopping.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateStopped {
		return nil
	}
	r.state.Store(int32(StateStopping))
	r.logger.Info("Stopping messaging runtime", nil)

	steps := []struct {
		source string
		fn     func() error
	}{
		{"stop.subscriber", r.disconnectSubscriber},
		{"stop.publisher", r.publisher.Disconnect},
		{"stop.chat", func() error { return r.client.Destroy(ctx) }},
		{"stop.admin", func() error { return r.shutdownAdmin(ctx) }},
		{"stop.deadletter", r.closeDeadLetters},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			r.reportError(err, step.source, nil)
		}
	}

	r.state.Store(int32(StateStopped))
	r.doneMu.Lock()
	close(r.done)
	r.doneMu.Unlock()

	r.logger.Info("Messaging runtime stopped", nil)
	return nil
}

// disconnectSubscriber stops the workers. When the workers never started the
// transport subscriber is closed directly.
func (r *Runtime) disconnectSubscriber() error {
	sub := r.subscriber
	r.subscriber = nil
	if sub != nil && sub.Connected() {
		r.transport = transport.Transport{}
		return sub.Disconnect()
	}
	t := r.transport
	r.transport = transport.Transport{}
	if t.Subscriber != nil {
		return t.Subscriber.Close()
	}
	return nil
}

func (r *Runtime) shutdownAdmin(ctx context.Context) error {
	admin := r.admin
	r.admin = nil
	if admin == nil {
		return nil
	}
	return admin.shutdown(ctx)
}

func (r *Runtime) closeDeadLetters() error {
	r.storeMu.Lock()
	store := r.deadLetters
	if !r.ownsStore || store == nil {
		r.storeMu.Unlock()
		return nil
	}
	r.deadLetters = nil
	r.ownsStore = false
	r.storeMu.Unlock()
	return store.Close()
}

// reportError logs err, counts it by source and forwards it to the OnError
// hook.
func (r *Runtime) reportError(err error, source string, fields loggingpkg.LogFields) {
	logFields := loggingpkg.LogFields{"source": source}
	for k, v := range fields {
		logFields[k] = v
	}
	r.logger.Error(err.Error(), err, logFields)
	r.metrics.recordError(source)
	if r.hooks.OnError != nil {
		r.hooks.OnError(err, ErrorContext{Source: source, Fields: fields})
	}
}
