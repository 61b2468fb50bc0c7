package pipeline

// Router maps message kinds to routing keys and topics below a base topic.
type Router struct {
	baseTopic string
}

func NewRouter(baseTopic string) Router {
	return Router{baseTopic: baseTopic}
}

// Route is total over the message kinds: distinct kinds never share a topic.
func (r Router) Route(kind MessageKind) RoutingMetadata {
	return RoutingMetadata{
		RouteKey:       "message." + string(kind),
		MessageKind:    kind,
		SuggestedTopic: r.baseTopic + "." + string(kind),
	}
}

// Topics lists every topic the router can produce, in MessageKinds order.
func (r Router) Topics() []string {
	topics := make([]string, 0, len(MessageKinds))
	for _, kind := range MessageKinds {
		topics = append(topics, r.Route(kind).SuggestedTopic)
	}
	return topics
}

func (r Router) BaseTopic() string {
	return r.baseTopic
}
