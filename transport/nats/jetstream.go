package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/waflow/transport"
)

const JetStreamTransportName = "nats-jetstream"

const (
	DefaultStreamName = "WAFLOW"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second
	DefaultMaxAge     = 7 * 24 * time.Hour

	// uuidHeader carries the watermill message UUID across the broker.
	uuidHeader = "Waflow-Uuid"

	fetchBatch = 10
	fetchWait  = time.Second
)

var errJetStreamClosed = errors.New("nats-jetstream: transport is closed")

// JetStreamConnector opens the NATS connection; tests replace it.
var JetStreamConnector = func(url string) (*natsgo.Conn, error) {
	return natsgo.Connect(url, natsgo.Name("waflow"))
}

// JetStreamConfig configures the JetStream transport.
type JetStreamConfig struct {
	URL string

	// StreamName is the stream holding every topic as "<stream>.<topic>".
	StreamName string

	MaxDeliver int
	AckWait    time.Duration
	MaxAge     time.Duration
	Replicas   int

	// Retention is "limits" (default), "interest" or "workqueue".
	Retention string
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c JetStreamConfig) retentionPolicy() natsgo.RetentionPolicy {
	switch c.Retention {
	case "interest":
		return natsgo.InterestPolicy
	case "workqueue":
		return natsgo.WorkQueuePolicy
	default:
		return natsgo.LimitsPolicy
	}
}

func (c JetStreamConfig) subject(topic string) string {
	return c.StreamName + "." + topic
}

// durableName derives the consumer name for a topic. Durable names may not
// contain dots.
func (c JetStreamConfig) durableName(topic string) string {
	return "waflow_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

// BuildJetStream connects to NATS and ensures the stream exists.
func BuildJetStream(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg.GetNATSURL() == "" {
		return transport.Transport{}, errors.New("nats-jetstream: URL is required")
	}
	js, err := NewJetStream(JetStreamConfig{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetNATSStream(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: js, Subscriber: js}, nil
}

// JetStream is a publisher and subscriber over one NATS connection. Every
// Subscribe call on the same topic binds to the same durable pull consumer,
// so concurrent subscriptions compete for messages.
type JetStream struct {
	nc     *natsgo.Conn
	js     natsgo.JetStreamContext
	config JetStreamConfig
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*natsgo.Subscription
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewJetStream(cfg JetStreamConfig, logger watermill.LoggerAdapter) (*JetStream, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := JetStreamConnector(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("nats-jetstream: connect: %w", err)
	}
	jsCtx, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats-jetstream: context: %w", err)
	}

	t := &JetStream{
		nc:     nc,
		js:     jsCtx,
		config: cfg,
		logger: logger.With(watermill.LogFields{"stream": cfg.StreamName}),
		done:   make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *JetStream) ensureStream() error {
	streamCfg := &natsgo.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		MaxAge:    t.config.MaxAge,
		Replicas:  t.config.Replicas,
		Retention: t.config.retentionPolicy(),
	}

	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		if _, infoErr := t.js.StreamInfo(t.config.StreamName); infoErr != nil {
			return fmt.Errorf("nats-jetstream: ensure stream: %w", err)
		}
		t.logger.Info("JetStream stream exists with a different configuration", nil)
	}
	return nil
}

func (t *JetStream) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *JetStream) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errJetStreamClosed
	}

	subject := t.config.subject(topic)
	for _, msg := range messages {
		header := natsgo.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(uuidHeader, msg.UUID)
		// Dedup on the broker side when a publish is retried.
		header.Set(natsgo.MsgIdHdr, msg.UUID)

		if _, err := t.js.PublishMsg(&natsgo.Msg{Subject: subject, Data: msg.Payload, Header: header}); err != nil {
			return fmt.Errorf("nats-jetstream: publish %s: %w", subject, err)
		}
	}
	return nil
}

func (t *JetStream) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errJetStreamClosed
	}

	subject := t.config.subject(topic)
	durable := t.config.durableName(topic)
	consumerCfg := &natsgo.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     natsgo.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: natsgo.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("nats-jetstream: consumer %s: %w", durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, natsgo.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("nats-jetstream: subscribe %s: %w", subject, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go t.consume(ctx, sub, output, topic)
	return output, nil
}

func (t *JetStream) consume(ctx context.Context, sub *natsgo.Subscription, output chan<- *message.Message, topic string) {
	defer t.wg.Done()
	defer close(output)
	logger := t.logger.With(watermill.LogFields{"topic": topic})

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		batch, err := sub.Fetch(fetchBatch, natsgo.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, natsgo.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, natsgo.ErrConnectionClosed) || errors.Is(err, natsgo.ErrBadSubscription) {
				return
			}
			logger.Error("JetStream fetch failed", err, nil)
			continue
		}

		for _, raw := range batch {
			if !t.deliver(ctx, raw, output, logger) {
				return
			}
		}
	}
}

// deliver hands one message to the consumer and waits for its ack or nack.
// It returns false when the subscription should stop.
func (t *JetStream) deliver(ctx context.Context, raw *natsgo.Msg, output chan<- *message.Message, logger watermill.LoggerAdapter) bool {
	msg := toWatermill(raw)
	msg.SetContext(ctx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}

	select {
	case <-msg.Acked():
		if err := raw.Ack(); err != nil {
			logger.Error("JetStream ack failed", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := raw.Nak(); err != nil {
			logger.Error("JetStream nak failed", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}
	return true
}

func toWatermill(raw *natsgo.Msg) *message.Message {
	uuid := raw.Header.Get(uuidHeader)
	if uuid == "" {
		uuid = watermill.NewULID()
	}
	msg := message.NewMessage(uuid, raw.Data)
	for k, v := range raw.Header {
		if k == uuidHeader || k == natsgo.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// Close stops all consumers and closes the connection. Calling it twice is a
// no-op.
func (t *JetStream) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	t.wg.Wait()
	t.nc.Close()
	return nil
}
