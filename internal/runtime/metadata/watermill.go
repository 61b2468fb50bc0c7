package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill reads the headers of a consumed command. The result is
// always non-nil so callers can add keys without checking.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	maps.Copy(result, md)
	return result
}

// ToWatermill copies the headers of a record onto an outgoing message,
// skipping empty values.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		if v != "" {
			wm[k] = v
		}
	}
	return wm
}
