package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestWithDoesNotMutateReceiver(t *testing.T) {
	base := New(KeyEventType, "message")
	next := base.With(KeyRouteKey, "message.text")

	assert.Equal(t, Metadata{KeyEventType: "message"}, base)
	assert.Equal(t, "message.text", next[KeyRouteKey])
}

func TestWithSkipsEmptyValues(t *testing.T) {
	md := Metadata{}.With(KeyCommandID, "")
	_, ok := md[KeyCommandID]
	assert.False(t, ok)
}

func TestWithAllOverrides(t *testing.T) {
	md := New("a", "1", "b", "2").WithAll(Metadata{"b": "3"})
	assert.Equal(t, Metadata{"a": "1", "b": "3"}, md)
}

func TestNewIgnoresDanglingKey(t *testing.T) {
	assert.Equal(t, Metadata{"a": "1"}, New("a", "1", "dangling"))
}

func TestWatermillConversion(t *testing.T) {
	wm := ToWatermill(Metadata{KeyMessageKind: "image"})
	assert.Equal(t, "image", wm.Get(KeyMessageKind))

	back := FromWatermill(message.Metadata{KeyCorrelationID: "abc"})
	assert.Equal(t, Metadata{KeyCorrelationID: "abc"}, back)

	assert.NotNil(t, FromWatermill(nil))
	assert.NotNil(t, ToWatermill(nil))
}
