// Package queue adapts Watermill publishers and subscribers to the bridge:
// inbound records go out through Publisher, outbound send commands come in
// through Subscriber.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	idspkg "github.com/drblury/waflow/internal/runtime/ids"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/waflow/internal/runtime/metadata"
	"github.com/drblury/waflow/internal/runtime/pipeline"
)

// NewRecordMessage converts a record into a Watermill message with the
// routing headers consumers filter on.
func NewRecordMessage(record pipeline.MessageRecord, md metadatapkg.Metadata) (*message.Message, error) {
	if record.ID == "" {
		return nil, errspkg.ErrMessageIDRequired
	}
	payload, err := jsoncodec.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message record: %w", err)
	}

	headers := metadatapkg.Metadata{
		metadatapkg.KeyCorrelationID: idspkg.CreateULID(),
		metadatapkg.KeyEventSchema:   pipeline.SchemaName,
		metadatapkg.KeyRouteKey:      record.Routing.RouteKey,
		metadatapkg.KeyMessageKind:   string(record.Routing.MessageKind),
		metadatapkg.KeyEventType:     record.Transport.EventType,
		metadatapkg.KeyMessageID:     record.ID,
	}.WithAll(md)

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(headers)
	return msg, nil
}

// Publisher sends canonical records to the broker. It is safe for concurrent
// use once connected.
type Publisher struct {
	prefix string
	logger loggingpkg.ServiceLogger

	mu  sync.RWMutex
	pub message.Publisher
}

// NewPublisher returns a disconnected publisher. A non-empty prefix is
// prepended to every topic as "prefix.topic".
func NewPublisher(prefix string, logger loggingpkg.ServiceLogger) *Publisher {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Publisher{prefix: prefix, logger: logger}
}

// Connect attaches the broker publisher.
func (p *Publisher) Connect(pub message.Publisher) error {
	if pub == nil {
		return errspkg.ErrPublisherRequired
	}
	p.mu.Lock()
	p.pub = pub
	p.mu.Unlock()

	p.logger.Info("Inbound publisher ready", loggingpkg.LogFields{"prefix": p.prefix})
	return nil
}

// Connected reports whether Connect succeeded and Disconnect was not called.
func (p *Publisher) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pub != nil
}

// Topic returns the broker topic for a logical topic name.
func (p *Publisher) Topic(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Publish serializes record and publishes it to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, record pipeline.MessageRecord) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	p.mu.RLock()
	pub := p.pub
	p.mu.RUnlock()
	if pub == nil {
		return errspkg.ErrPublisherNotReady
	}

	msg, err := NewRecordMessage(record, nil)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}

	target := p.Topic(topic)
	if err := pub.Publish(target, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", target, err)
	}
	return nil
}

// Disconnect closes the broker publisher. Calling it again is a no-op.
func (p *Publisher) Disconnect() error {
	p.mu.Lock()
	pub := p.pub
	p.pub = nil
	p.mu.Unlock()

	if pub == nil {
		return nil
	}
	return pub.Close()
}
