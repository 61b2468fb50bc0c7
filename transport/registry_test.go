package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/waflow/internal/runtime/config"
)

type mockPublisher struct{ closeErr error }

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                              { return m.closeErr }

type mockSubscriber struct{ closeErr error }

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}
func (m *mockSubscriber) Close() error { return m.closeErr }

func okBuilder(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
	return Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("redis", okBuilder, RedisCapabilities)

	assert.True(t, reg.Has("redis"))
	assert.True(t, reg.Has(" REDIS "))
	assert.Equal(t, RedisCapabilities, reg.GetCapabilities("redis"))

	tr, err := reg.Build(context.Background(), &config.Config{PubSubSystem: "Redis"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistryChannelAliases(t *testing.T) {
	reg := NewRegistry()
	reg.Register("channel", okBuilder)

	for _, name := range []string{"", "gochannel", "channel"} {
		_, err := reg.Build(context.Background(), &config.Config{PubSubSystem: name}, watermill.NopLogger{})
		assert.NoError(t, err, name)
	}
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &config.Config{PubSubSystem: "mqtt"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)

	boom := errors.New("builder error")
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, boom
	})
	_, err = reg.Build(context.Background(), &config.Config{PubSubSystem: "failing"}, nil)
	assert.Same(t, boom, err)
}

func TestRegistryUnknownCapabilities(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, Capabilities{Name: "unknown"}, caps)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("nats", okBuilder)
	reg.Register("aws", okBuilder)
	reg.Register("kafka", okBuilder)

	assert.Equal(t, []string{"aws", "kafka", "nats"}, reg.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", okBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()
	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegistration(t *testing.T) {
	original := DefaultRegistry
	t.Cleanup(func() { DefaultRegistry = original })
	DefaultRegistry = NewRegistry()

	RegisterWithCapabilities("custom", okBuilder, Capabilities{Name: "custom", Durable: true})
	assert.True(t, GetCapabilities("custom").Durable)

	_, err := Build(context.Background(), &config.Config{PubSubSystem: "custom"}, nil)
	assert.NoError(t, err)
}

func TestTransportClose(t *testing.T) {
	assert.NoError(t, Transport{}.Close())

	subErr := errors.New("sub")
	pubErr := errors.New("pub")
	tr := Transport{Publisher: &mockPublisher{closeErr: pubErr}, Subscriber: &mockSubscriber{closeErr: subErr}}
	assert.Same(t, subErr, tr.Close())

	tr = Transport{Publisher: &mockPublisher{closeErr: pubErr}, Subscriber: &mockSubscriber{}}
	assert.Same(t, pubErr, tr.Close())
}
