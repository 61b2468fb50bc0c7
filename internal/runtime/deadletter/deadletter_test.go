package deadletter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
)

func TestEntryJSONShape(t *testing.T) {
	entry, err := NewEntry(ReasonPublishFailed, "whatsapp.inbound.text", map[string]any{"id": "m1"}, errors.New("broker down"))
	require.NoError(t, err)
	entry.Timestamp = time.Date(2024, 3, 1, 12, 0, 0, 5_000_000, time.UTC)

	b, err := jsoncodec.Marshal(entry)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsoncodec.Unmarshal(b, &decoded))
	assert.Equal(t, "2024-03-01T12:00:00.005Z", decoded["timestamp"])
	assert.Equal(t, "publish_failed", decoded["reason"])
	assert.Equal(t, "whatsapp.inbound.text", decoded["topic"])
	assert.Equal(t, "broker down", decoded["error"])
	assert.Equal(t, map[string]any{"id": "m1"}, decoded["payload"])
}

func TestEntryKeepsInvalidPayloadAsString(t *testing.T) {
	entry, err := NewEntry(ReasonInvalidCommand, "whatsapp.outbound", []byte("not json"), nil)
	require.NoError(t, err)

	b, err := jsoncodec.Marshal(entry)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsoncodec.Unmarshal(b, &decoded))
	assert.Equal(t, "not json", decoded["payload"])
	_, hasError := decoded["error"]
	assert.False(t, hasError)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, Options{})
	require.NoError(t, err)
	assert.NoError(t, store.Write(ctx, Entry{}))
	assert.NoError(t, store.Close())

	store, err = Open(ctx, Options{Backend: "file", Path: filepath.Join(t.TempDir(), "dl.jsonl")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = Open(ctx, Options{Backend: "mongo"})
	assert.ErrorIs(t, err, errspkg.ErrDeadLetterBackend)

	_, err = Open(ctx, Options{Backend: "postgres"})
	assert.Error(t, err)
}

func TestFileStoreAppendsLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dead-letters.jsonl")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	first, err := NewEntry(ReasonSendFailed, "whatsapp.outbound", []byte(`{"chatId":"1@c.us","content":"hi"}`), errors.New("offline"))
	require.NoError(t, err)
	second, err := NewEntry(ReasonInvalidCommand, "whatsapp.outbound", []byte(`{"content":"hi"}`), nil)
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, first))
	require.NoError(t, store.Write(ctx, second))

	entries, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "send_failed", entries[0]["reason"])
	assert.Equal(t, map[string]any{"chatId": "1@c.us", "content": "hi"}, entries[0]["payload"])
	assert.Equal(t, "invalid_command", entries[1]["reason"])

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Write(ctx, first), errspkg.ErrDeadLetterStoreClose)
}

func TestFileStoreReadAllMissingFile(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)

	entries, err := store.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStoreRequiresPath(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "dl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for i, reason := range []Reason{ReasonPublishFailed, ReasonSendFailed, ReasonSendFailed} {
		entry, err := NewEntry(reason, "topic", map[string]int{"n": i}, errors.New("boom"))
		require.NoError(t, err)
		require.NoError(t, store.Write(ctx, entry))
	}

	total, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	sends, err := store.Count(ctx, ReasonSendFailed)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sends)

	listed, err := store.List(ctx, ReasonSendFailed, 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Greater(t, listed[0].ID, listed[1].ID)
	assert.JSONEq(t, `{"n":2}`, string(listed[0].Payload))
	assert.Equal(t, "boom", listed[0].Error)
	assert.False(t, listed[0].Timestamp.IsZero())

	purged, err := store.Purge(ctx, ReasonPublishFailed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	total, err = store.Count(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestSQLiteStoreClose(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "dl.db"))
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Write(ctx, Entry{Reason: ReasonSendFailed}), errspkg.ErrDeadLetterStoreClose)

	_, err = OpenSQLite(ctx, "")
	assert.Error(t, err)
}
