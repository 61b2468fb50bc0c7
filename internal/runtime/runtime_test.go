package runtime

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/waflow/chat"
	"github.com/drblury/waflow/chat/chattest"
	configpkg "github.com/drblury/waflow/internal/runtime/config"
	"github.com/drblury/waflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/waflow/internal/runtime/metadata"
	"github.com/drblury/waflow/internal/runtime/pipeline"
	"github.com/drblury/waflow/internal/runtime/queue"
	transportpkg "github.com/drblury/waflow/internal/runtime/transport"
	"github.com/drblury/waflow/transport"
)

func TestNewValidatesArguments(t *testing.T) {
	conf := newTestConfig(t)
	client := chattest.NewClient()

	_, err := New(nil, newTestLogger(), client, Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = New(conf, nil, client, Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
	_, err = New(conf, newTestLogger(), nil, Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrChatClientRequired)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	tr := newTestRuntime(t, nil)

	require.NoError(t, tr.rt.Stop(context.Background()))
	assert.Equal(t, StateStopped, tr.rt.State())
	assert.Zero(t, tr.client.DestroyCalls())
	assert.Empty(t, tr.reported())
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	tr := newTestRuntime(t, nil)
	ctx := context.Background()

	require.NoError(t, tr.rt.Start(ctx))
	require.NoError(t, tr.rt.Start(ctx))

	assert.Equal(t, StateRunning, tr.rt.State())
	assert.Equal(t, 1, tr.client.InitializeCalls())
	assert.Equal(t, 1, tr.client.ListenCalls())
}

func TestStopClosesDoneAndRestartRegistersListenersOnce(t *testing.T) {
	tr := newTestRuntime(t, nil)
	ctx := context.Background()

	require.NoError(t, tr.rt.Start(ctx))
	done := tr.rt.Done()
	require.NoError(t, tr.rt.Stop(ctx))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done was not closed by Stop")
	}
	assert.Equal(t, StateStopped, tr.rt.State())
	assert.Equal(t, 1, tr.client.DestroyCalls())
	assert.False(t, tr.deadLetters.closed.Load(), "injected store must stay open")

	require.NoError(t, tr.rt.Stop(ctx))
	assert.Equal(t, 1, tr.client.DestroyCalls())
}

func TestInboundMessageIsPublishedToKindTopic(t *testing.T) {
	tr := newTestRuntime(t, nil)
	ctx := context.Background()

	out, err := tr.pubsub.Subscribe(ctx, "bull.whatsapp.inbound.text")
	require.NoError(t, err)
	require.NoError(t, tr.rt.Start(ctx))

	tr.client.Emit(textMessage("false_111@c.us_A", "111@c.us", "hello"), chat.EventMessage)
	tr.rt.waitInbound()

	var msg *message.Message
	select {
	case msg = <-out:
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("record was not published")
	}

	var record pipeline.MessageRecord
	require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &record))
	assert.Equal(t, "false_111@c.us_A", record.ID)
	assert.Equal(t, pipeline.KindText, record.Content.Kind)
	assert.Equal(t, "whatsapp.inbound.text", record.Routing.SuggestedTopic)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", record.SentAt)
	assert.Equal(t, "message", msg.Metadata.Get(metadatapkg.KeyEventType))

	assert.Equal(t, float64(1), testutil.ToFloat64(tr.rt.metrics.publishedTotal.WithLabelValues("text")))
}

func TestDuplicateEventsArePublishedOnce(t *testing.T) {
	tr := newTestRuntime(t, nil)
	ctx := context.Background()

	out, err := tr.pubsub.Subscribe(ctx, "bull.whatsapp.inbound.text")
	require.NoError(t, err)
	require.NoError(t, tr.rt.Start(ctx))

	msg := textMessage("false_222@c.us_B", "222@c.us", "hi")
	tr.client.Emit(msg, chat.EventMessage)
	tr.rt.waitInbound()
	tr.client.Emit(msg, chat.EventMessageCreate)
	tr.rt.waitInbound()

	select {
	case m := <-out:
		m.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("first event was not published")
	}
	select {
	case m := <-out:
		t.Fatalf("duplicate published: %s", m.UUID)
	case <-time.After(50 * time.Millisecond):
	}

	snapshot := tr.rt.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snapshot.Duplicates)
	assert.Equal(t, uint64(1), snapshot.InboundPublished["text"])
}

func TestInboundWithoutIDIsSkipped(t *testing.T) {
	tr := newTestRuntime(t, nil)
	require.NoError(t, tr.rt.Start(context.Background()))

	tr.client.Emit(textMessage("", "333@c.us", "no id"), chat.EventMessage)
	tr.rt.waitInbound()

	assert.Empty(t, tr.rt.Metrics().Snapshot().InboundPublished)
	assert.Empty(t, tr.reported())
}

func TestInboundPublishFailureIsReportedAndDeadLettered(t *testing.T) {
	pub := &testPublisher{err: errors.New("broker down")}
	sub := &testSubscriber{}
	tr := newTestRuntime(t, func(_ *configpkg.Config, deps *Dependencies) {
		deps.TransportFactory = transportpkg.StaticFactory(
			transport.Transport{Publisher: pub, Subscriber: sub},
			transport.ChannelCapabilities,
		)
	})
	require.NoError(t, tr.rt.Start(context.Background()))

	tr.client.Emit(textMessage("false_444@c.us_C", "444@c.us", "lost"), chat.EventMessage)
	tr.rt.waitInbound()

	assert.Equal(t, []string{"handleInboundMessage"}, tr.sources())
	entries := tr.deadLetters.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.ReasonPublishFailed, entries[0].Reason)
	assert.Equal(t, "bull.whatsapp.inbound.text", entries[0].Topic)
	assert.Contains(t, entries[0].Error, "broker down")
	assert.Equal(t, StateRunning, tr.rt.State())
}

func TestInboundIgnoredWhileStopping(t *testing.T) {
	tr := newTestRuntime(t, nil)
	require.NoError(t, tr.rt.Start(context.Background()))
	tr.rt.state.Store(int32(StateStopping))

	tr.client.Emit(textMessage("false_555@c.us_D", "555@c.us", "late"), chat.EventMessage)
	tr.rt.waitInbound()

	assert.Zero(t, tr.rt.dedup.Len())
	tr.rt.state.Store(int32(StateRunning))
}

func TestOutboundCommandIsSentThroughChatClient(t *testing.T) {
	var (
		mu      sync.Mutex
		results []queue.OutboundResult
	)
	tr := newTestRuntime(t, func(_ *configpkg.Config, deps *Dependencies) {
		deps.Hooks.OnOutboundResult = func(result queue.OutboundResult) {
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}
	})
	ctx := context.Background()
	require.NoError(t, tr.rt.Start(ctx))

	require.NoError(t, queue.SendCommand(ctx, tr.pubsub, "bull.whatsapp.outbound", queue.OutboundCommand{
		ChatID:    "666@c.us",
		Content:   "pong",
		CommandID: "cmd-1",
	}))

	require.Eventually(t, func() bool { return len(tr.client.Sends()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, chattest.Send{ChatID: "666@c.us", Content: "pong"}, tr.client.Sends()[0])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.True(t, results[0].OK)
	assert.Equal(t, "cmd-1", results[0].CommandID)
	assert.NotEmpty(t, results[0].SentMessageID)
	mu.Unlock()
}

func TestOutboundFailureIsReportedRetriedAndDeadLettered(t *testing.T) {
	tr := newTestRuntime(t, nil)
	tr.client.SetSendFunc(func(string, string) (chat.SentMessage, error) {
		return chat.SentMessage{}, errors.New("chat offline")
	})
	ctx := context.Background()
	require.NoError(t, tr.rt.Start(ctx))

	require.NoError(t, queue.SendCommand(ctx, tr.pubsub, "bull.whatsapp.outbound", queue.OutboundCommand{
		ChatID:  "777@c.us",
		Content: "never",
	}))

	require.Eventually(t, func() bool { return len(tr.deadLetters.Entries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, deadletter.ReasonSendFailed, tr.deadLetters.Entries()[0].Reason)
	// one attempt plus one retry
	assert.Len(t, tr.client.Sends(), 2)
	assert.Equal(t, []string{"handleOutboundCommand", "handleOutboundCommand"}, tr.sources())
	assert.Eventually(t, func() bool { return tr.rt.Metrics().Snapshot().Outbound["failed"] == 1 }, time.Second, 10*time.Millisecond)
}

func TestInvalidOutboundCommandIsDeadLettered(t *testing.T) {
	tr := newTestRuntime(t, nil)
	ctx := context.Background()
	require.NoError(t, tr.rt.Start(ctx))

	require.NoError(t, tr.pubsub.Publish("bull.whatsapp.outbound", message.NewMessage("bad", []byte(`{"content":"x"}`))))

	require.Eventually(t, func() bool { return len(tr.deadLetters.Entries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, deadletter.ReasonInvalidCommand, tr.deadLetters.Entries()[0].Reason)
	assert.Empty(t, tr.client.Sends())
	assert.Eventually(t, func() bool { return tr.rt.Metrics().Snapshot().Outbound["invalid"] == 1 }, time.Second, 10*time.Millisecond)
}

func TestFailedStartCleansUpAndReturnsToStopped(t *testing.T) {
	pub := &testPublisher{}
	sub := &testSubscriber{}
	tr := newTestRuntime(t, func(_ *configpkg.Config, deps *Dependencies) {
		deps.TransportFactory = transportpkg.StaticFactory(
			transport.Transport{Publisher: pub, Subscriber: sub},
			transport.ChannelCapabilities,
		)
	})
	tr.client.SetInitializeError(errors.New("browser crashed"))

	err := tr.rt.Start(context.Background())
	require.Error(t, err)
	stage, ok := errspkg.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, "chat", stage)

	assert.Equal(t, StateStopped, tr.rt.State())
	assert.Equal(t, []string{"start"}, tr.sources())
	assert.Equal(t, 1, tr.client.DestroyCalls())
	assert.Positive(t, sub.closed.Load(), "subscriber should be closed")
	assert.Positive(t, pub.closed.Load(), "publisher should be closed")
	assert.False(t, tr.rt.publisher.Connected())
}

func TestFailedSubscribeClosesTransportSubscriber(t *testing.T) {
	pub := &testPublisher{}
	sub := &testSubscriber{err: errors.New("no such topic")}
	tr := newTestRuntime(t, func(_ *configpkg.Config, deps *Dependencies) {
		deps.TransportFactory = transportpkg.StaticFactory(
			transport.Transport{Publisher: pub, Subscriber: sub},
			transport.ChannelCapabilities,
		)
	})

	err := tr.rt.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such topic")
	assert.Equal(t, StateStopped, tr.rt.State())
	assert.Zero(t, tr.client.InitializeCalls())
	assert.Positive(t, sub.closed.Load())
}

func TestStartRetriesTransportBuild(t *testing.T) {
	tr := newTestRuntime(t, nil)
	factory := &flakyFactory{
		failures: 2,
		t:        transport.Transport{Publisher: tr.pubsub, Subscriber: tr.pubsub},
	}
	tr.rt.factory = factory

	require.NoError(t, tr.rt.Start(context.Background()))
	assert.Equal(t, int32(3), factory.builds.Load())
}

func TestStartGivesUpAfterRetries(t *testing.T) {
	tr := newTestRuntime(t, func(conf *configpkg.Config, _ *Dependencies) {
		conf.StartMaxRetries = 1
	})
	tr.rt.factory = &flakyFactory{failures: 10}

	err := tr.rt.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	assert.Equal(t, StateStopped, tr.rt.State())
}

func TestStopReportsEachFailingStep(t *testing.T) {
	tr := newTestRuntime(t, nil)
	require.NoError(t, tr.rt.Start(context.Background()))
	tr.client.SetDestroyError(errors.New("destroy failed"))

	require.NoError(t, tr.rt.Stop(context.Background()))
	assert.Equal(t, []string{"stop.chat"}, tr.sources())
	assert.Equal(t, StateStopped, tr.rt.State())
}

func TestLifecycleEventsReachHooks(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(name string) {
		mu.Lock()
		events = append(events, name)
		mu.Unlock()
	}
	tr := newTestRuntime(t, func(_ *configpkg.Config, deps *Dependencies) {
		deps.Hooks = deps.Hooks.Merge(Hooks{
			OnQR:            func(string) { record("qr") },
			OnAuthenticated: func() { record("authenticated") },
			OnReady:         func() { record("ready") },
			OnDisconnected:  func(reason string) { record("disconnected:" + reason) },
		})
	})
	require.NoError(t, tr.rt.Start(context.Background()))

	tr.client.EmitQR("qr-data")
	tr.client.EmitAuthenticated()
	tr.client.EmitLoadingScreen(50, "loading")
	tr.client.EmitChangeState("CONNECTED")
	tr.client.EmitAuthFailure("bad session")
	tr.client.EmitReady()
	tr.client.EmitDisconnected("logout")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"qr", "authenticated", "ready", "disconnected:logout"}, events)
}

func TestSignalStopsRuntime(t *testing.T) {
	tr := newTestRuntime(t, nil)
	require.NoError(t, tr.rt.Start(context.Background()))

	tr.rt.AttachSignals()
	tr.rt.AttachSignals()
	assert.True(t, tr.rt.SignalsAttached())

	require.True(t, tr.rt.deliverSignal(syscall.SIGTERM))
	select {
	case <-tr.rt.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop on signal")
	}
	assert.Equal(t, StateStopped, tr.rt.State())

	tr.rt.DetachSignals()
	tr.rt.DetachSignals()
	assert.False(t, tr.rt.SignalsAttached())
	assert.False(t, tr.rt.deliverSignal(syscall.SIGTERM))
}

func TestPanicIsReportedAndStopsWhenSignalsAttached(t *testing.T) {
	tr := newTestRuntime(t, nil)
	require.NoError(t, tr.rt.Start(context.Background()))
	tr.rt.AttachSignals()

	tr.rt.goSafe(func() { panic("boom") })
	tr.rt.waitInbound()

	select {
	case <-tr.rt.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop after panic")
	}
	assert.Contains(t, tr.sources(), "uncaughtPanic")
}

func TestPanicWithoutSignalsKeepsRunning(t *testing.T) {
	tr := newTestRuntime(t, nil)
	require.NoError(t, tr.rt.Start(context.Background()))

	tr.rt.goSafe(func() { panic(errors.New("boom")) })
	tr.rt.waitInbound()

	assert.Equal(t, []string{"uncaughtPanic"}, tr.sources())
	assert.Equal(t, StateRunning, tr.rt.State())
}

func TestOwnedDeadLetterStoreIsOpenedAndClosed(t *testing.T) {
	path := t.TempDir() + "/dead.jsonl"
	tr := newTestRuntime(t, func(conf *configpkg.Config, deps *Dependencies) {
		conf.DeadLetterBackend = "file"
		conf.DeadLetterPath = path
		deps.DeadLetters = nil
	})
	ctx := context.Background()
	require.NoError(t, tr.rt.Start(ctx))

	store, ok := tr.rt.deadLetterStore().(*deadletter.FileStore)
	require.True(t, ok)
	assert.Equal(t, path, store.Path())

	require.NoError(t, tr.rt.Stop(ctx))
	assert.Nil(t, tr.rt.deadLetterStore())
}
