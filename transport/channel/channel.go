// Package channel registers the in-process gochannel transport. Publisher and
// subscriber share one pub/sub, so inbound records and outbound commands never
// leave the process. It backs local runs and the test suites.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/waflow/transport"
)

const TransportName = "channel"

// OutputBuffer is the per-subscription buffer of the shared pub/sub.
const OutputBuffer = 64

// Factory creates the shared pub/sub; tests replace it.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns a transport whose publisher and subscriber are the same
// gochannel instance. Closing either one closes both.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}
