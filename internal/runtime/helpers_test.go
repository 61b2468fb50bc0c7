package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/waflow/chat"
	"github.com/drblury/waflow/chat/chattest"
	configpkg "github.com/drblury/waflow/internal/runtime/config"
	"github.com/drblury/waflow/internal/runtime/deadletter"
	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
	transportpkg "github.com/drblury/waflow/internal/runtime/transport"
	"github.com/drblury/waflow/transport"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func newTestConfig(t *testing.T) *configpkg.Config {
	t.Helper()
	conf, err := configpkg.LoadFrom(map[string]string{})
	require.NoError(t, err)
	conf.QueuePrefix = "bull"
	conf.RetryMaxRetries = 1
	conf.RetryInitialInterval = time.Millisecond
	conf.RetryMaxInterval = 2 * time.Millisecond
	conf.StartInitialDelay = time.Millisecond
	conf.StartMaxDelay = 2 * time.Millisecond
	return conf
}

type testRuntime struct {
	rt          *Runtime
	conf        *configpkg.Config
	client      *chattest.Client
	pubsub      *gochannel.GoChannel
	deadLetters *memoryDeadLetters
	registry    *prometheus.Registry

	errMu  sync.Mutex
	errors []ErrorContext
}

func (tr *testRuntime) reported() []ErrorContext {
	tr.errMu.Lock()
	defer tr.errMu.Unlock()
	return append([]ErrorContext(nil), tr.errors...)
}

func (tr *testRuntime) sources() []string {
	var out []string
	for _, e := range tr.reported() {
		out = append(out, e.Source)
	}
	return out
}

// newTestRuntime wires a runtime over an in-memory broker and chat client.
func newTestRuntime(t *testing.T, mutate func(*configpkg.Config, *Dependencies)) *testRuntime {
	t.Helper()
	tr := &testRuntime{
		conf:        newTestConfig(t),
		client:      chattest.NewClient(),
		pubsub:      gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{}),
		deadLetters: &memoryDeadLetters{},
		registry:    prometheus.NewRegistry(),
	}
	deps := Dependencies{
		TransportFactory: transportpkg.StaticFactory(
			transport.Transport{Publisher: tr.pubsub, Subscriber: tr.pubsub},
			transport.ChannelCapabilities,
		),
		DeadLetters: tr.deadLetters,
		Registry:    tr.registry,
		Hooks: Hooks{
			OnError: func(err error, ctx ErrorContext) {
				tr.errMu.Lock()
				tr.errors = append(tr.errors, ctx)
				tr.errMu.Unlock()
			},
		},
	}
	if mutate != nil {
		mutate(tr.conf, &deps)
	}
	rt, err := New(tr.conf, newTestLogger(), tr.client, deps)
	require.NoError(t, err)
	tr.rt = rt
	t.Cleanup(func() {
		rt.DetachSignals()
		_ = rt.Stop(context.Background())
	})
	return tr
}

// waitInbound blocks until every dispatched inbound event is handled.
func (r *Runtime) waitInbound() {
	r.inflight.Wait()
}

// deliverSignal feeds sig to the attached handler as if the process had
// received it.
func (r *Runtime) deliverSignal(sig osSignal) bool {
	r.signalMu.Lock()
	ch := r.signalCh
	r.signalMu.Unlock()
	if ch == nil {
		return false
	}
	ch <- sig
	return true
}

func textMessage(id, from, body string) *chattest.Message {
	return &chattest.Message{Raw: chat.Event{
		ID:        id,
		From:      from,
		Body:      body,
		Timestamp: 1704067200,
		Type:      "chat",
	}}
}

type memoryDeadLetters struct {
	mu      sync.Mutex
	entries []deadletter.Entry
	closed  atomic.Bool
	err     error
}

func (m *memoryDeadLetters) Write(_ context.Context, entry deadletter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryDeadLetters) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *memoryDeadLetters) Entries() []deadletter.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]deadletter.Entry(nil), m.entries...)
}

func (m *memoryDeadLetters) List(_ context.Context, reason deadletter.Reason, limit int) ([]deadletter.Entry, error) {
	var out []deadletter.Entry
	for _, e := range m.Entries() {
		if reason == "" || e.Reason == reason {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryDeadLetters) Count(ctx context.Context, reason deadletter.Reason) (int64, error) {
	entries, _ := m.List(ctx, reason, 0)
	return int64(len(entries)), nil
}

type testPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
	closed    atomic.Int32
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, topic)
	return nil
}

func (p *testPublisher) Close() error {
	p.closed.Add(1)
	return nil
}

type testSubscriber struct {
	err    error
	closed atomic.Int32
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *testSubscriber) Close() error {
	s.closed.Add(1)
	return nil
}

// flakyFactory fails the first failures builds.
type flakyFactory struct {
	failures int
	builds   atomic.Int32
	t        transport.Transport
}

func (f *flakyFactory) Build(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transport.Transport, error) {
	n := int(f.builds.Add(1))
	if n <= f.failures {
		return transport.Transport{}, errors.New("broker unavailable")
	}
	return f.t, nil
}

func (f *flakyFactory) Capabilities(*configpkg.Config) transport.Capabilities {
	return transport.ChannelCapabilities
}
