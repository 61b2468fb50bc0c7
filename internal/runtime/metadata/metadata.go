package metadata

// Keys attached to every message waflow publishes. They are reserved and
// should not be reused for custom headers.
const (
	KeyCorrelationID = "correlation_id"
	KeyEventSchema   = "event_message_schema"
	KeyRouteKey      = "route_key"
	KeyMessageKind   = "message_kind"
	KeyEventType     = "event_type"
	KeyMessageID     = "message_id"
	KeyCommandID     = "command_id"
)

// Metadata represents the headers carried alongside a queued message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing the key/value pair. Empty values are
// skipped so optional headers never appear as blank strings.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// WithAll returns a copy merged with entries; entries win on conflict.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
