package waflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/waflow/chat/chattest"
)

func TestRuntimeExportsValidateArguments(t *testing.T) {
	_, err := New(nil, DiscardLogger(), chattest.NewClient(), Dependencies{})
	assert.ErrorIs(t, err, ErrConfigRequired)

	conf, err := LoadConfigFrom(map[string]string{})
	require.NoError(t, err)
	_, err = New(conf, DiscardLogger(), nil, Dependencies{})
	assert.ErrorIs(t, err, ErrChatClientRequired)
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"world"}`), &payload))
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyCommandID, "cmd-1")
	assert.Equal(t, "cmd-1", md[MetadataKeyCommandID])
}

func TestRouterAndCommandExports(t *testing.T) {
	route := NewRouter("whatsapp.inbound").Route(KindAudio)
	assert.Equal(t, "whatsapp.inbound.audio", route.SuggestedTopic)

	_, err := DecodeCommand([]byte(`{"content":"x"}`))
	var verr *CommandValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "chatId", verr.Field)
}

func TestRetryExport(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2},
		func(context.Context) (string, error) {
			calls++
			if calls < 2 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestDeadLetterExports(t *testing.T) {
	store, err := OpenDeadLetters(context.Background(), DeadLetterOptions{Backend: "bogus"})
	assert.Nil(t, store)
	assert.ErrorIs(t, err, ErrDeadLetterBackend)
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Warn(args ...any)  {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
