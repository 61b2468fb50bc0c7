package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteText(t *testing.T) {
	for _, base := range []string{"whatsapp.inbound", "wa", ""} {
		got := NewRouter(base).Route(KindText)
		assert.Equal(t, RoutingMetadata{
			RouteKey:       "message.text",
			MessageKind:    KindText,
			SuggestedTopic: base + ".text",
		}, got)
	}
}

func TestRouteIsInjectiveOverKinds(t *testing.T) {
	r := NewRouter("whatsapp.inbound")
	seen := map[string]MessageKind{}
	for _, kind := range MessageKinds {
		route := r.Route(kind)
		assert.Equal(t, "message."+string(kind), route.RouteKey)
		assert.Equal(t, kind, route.MessageKind)
		_, dup := seen[route.SuggestedTopic]
		assert.False(t, dup, route.SuggestedTopic)
		seen[route.SuggestedTopic] = kind
	}
	assert.Len(t, r.Topics(), 6)
	assert.Equal(t, "whatsapp.inbound.document", r.Topics()[4])
	assert.Equal(t, "whatsapp.inbound", r.BaseTopic())
}
