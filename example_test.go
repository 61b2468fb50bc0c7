package waflow_test

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/waflow"
	"github.com/drblury/waflow/chat"
	"github.com/drblury/waflow/chat/chattest"
	"github.com/drblury/waflow/transport"
)

func Example() {
	ctx := context.Background()

	conf, err := waflow.LoadConfigFrom(map[string]string{"WAFLOW_QUEUE_PREFIX": "demo"})
	if err != nil {
		panic(err)
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	records, err := pubsub.Subscribe(ctx, "demo.whatsapp.inbound.text")
	if err != nil {
		panic(err)
	}

	client := chattest.NewClient()
	rt, err := waflow.New(conf, waflow.DiscardLogger(), client, waflow.Dependencies{
		TransportFactory: waflow.StaticTransportFactory(
			transport.Transport{Publisher: pubsub, Subscriber: pubsub},
			transport.ChannelCapabilities,
		),
	})
	if err != nil {
		panic(err)
	}
	if err := rt.Start(ctx); err != nil {
		panic(err)
	}
	defer func() { _ = rt.Stop(ctx) }()

	client.Emit(&chattest.Message{Raw: chat.Event{
		ID:        "false_15550001@c.us_3EB0",
		From:      "15550001@c.us",
		Body:      "hello",
		Timestamp: 1704067200,
	}}, chat.EventMessage)

	msg := <-records
	msg.Ack()
	var record waflow.MessageRecord
	if err := waflow.Unmarshal(msg.Payload, &record); err != nil {
		panic(err)
	}
	fmt.Println(record.Content.Kind, record.ConversationKind, record.Routing.RouteKey)

	if err := waflow.SendCommand(ctx, pubsub, "demo.whatsapp.outbound", waflow.OutboundCommand{
		ChatID:  "15550001@c.us",
		Content: "hi back",
	}); err != nil {
		panic(err)
	}
	for len(client.Sends()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Println(client.Sends()[0].Content)

	// Output:
	// text direct message.text
	// hi back
}
