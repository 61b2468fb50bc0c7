// Package deadletter records payloads the bridge gave up on: inbound records
// that could not be published, outbound commands that failed validation and
// sends that failed after every retry.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
)

// Reason names why an entry was dead-lettered.
type Reason string

const (
	ReasonPublishFailed  Reason = "publish_failed"
	ReasonInvalidCommand Reason = "invalid_command"
	ReasonSendFailed     Reason = "send_failed"
)

// TimestampLayout renders entry timestamps as ISO-8601 UTC with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Entry is one dead-lettered payload.
type Entry struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"-"`
	Reason    Reason    `json:"reason"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"-"`
	Error     string    `json:"error,omitempty"`
}

// NewEntry builds an entry stamped with the current time. Payload may be a
// byte slice, which is kept as is, or any value, which is encoded as JSON.
func NewEntry(reason Reason, topic string, payload any, cause error) (Entry, error) {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Topic:     topic,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	switch p := payload.(type) {
	case nil:
	case []byte:
		entry.Payload = p
	default:
		b, err := jsoncodec.Marshal(p)
		if err != nil {
			return Entry{}, fmt.Errorf("deadletter: encode payload: %w", err)
		}
		entry.Payload = b
	}
	return entry, nil
}

// MarshalJSON writes the payload inline when it is valid JSON and as a
// string otherwise.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return jsoncodec.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
		Payload   any    `json:"payload"`
	}{
		alias:     alias(e),
		Timestamp: e.Timestamp.UTC().Format(TimestampLayout),
		Payload:   payloadValue(e.Payload),
	})
}

func payloadValue(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	if jsoncodec.Valid(payload) {
		return json.RawMessage(payload)
	}
	return string(payload)
}

// Store persists dead-letter entries.
type Store interface {
	Write(ctx context.Context, entry Entry) error
	Close() error
}

// Lister is implemented by stores that can read entries back, newest first.
type Lister interface {
	List(ctx context.Context, reason Reason, limit int) ([]Entry, error)
	Count(ctx context.Context, reason Reason) (int64, error)
}

// Purger is implemented by stores that can delete entries. An empty reason
// purges everything.
type Purger interface {
	Purge(ctx context.Context, reason Reason) (int64, error)
}

// Options selects and locates a backend.
type Options struct {
	// Backend is "", "none", "file", "sqlite" or "postgres".
	Backend string
	// Path is the JSONL file or the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
}

// Open returns the store for opts.Backend. An empty backend discards entries.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "none":
		return Discard(), nil
	case "file":
		return NewFileStore(opts.Path)
	case "sqlite":
		return OpenSQLite(ctx, opts.Path)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrDeadLetterBackend, opts.Backend)
	}
}

// Discard returns a store that drops every entry.
func Discard() Store { return discardStore{} }

type discardStore struct{}

func (discardStore) Write(context.Context, Entry) error { return nil }
func (discardStore) Close() error                       { return nil }
