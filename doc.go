// Package waflow bridges a WhatsApp chat client and a message broker. Inbound
// chat events are deduplicated, normalized into a canonical MessageRecord and
// published to one topic per message kind; outbound send commands consumed
// from a single topic are validated and delivered through the chat client.
//
// The broker is selected from Config (Kafka, RabbitMQ, NATS or JetStream,
// Redis streams, AWS SNS/SQS, HTTP, or Go channels) and accessed through
// Watermill, so the runtime never speaks a broker protocol itself. The chat
// side is the chat.Client interface: chat/waha talks to a WAHA server and
// chat/chattest is an in-memory fake for tests and local runs.
//
// # Delivery
//
// Duplicate events inside the dedup window are dropped. Records that cannot
// be published, commands that fail validation and commands that still fail
// after the queue-layer retries are written to the configured dead-letter
// store (JSONL file, SQLite or PostgreSQL) and counted in Prometheus metrics.
//
// # Operation
//
// New wires a Runtime from Config; Start connects the broker (retrying with
// exponential backoff) and the chat client, and Stop tears both down. Hooks
// surface errors, pairing codes, readiness and send results. The optional
// admin server exposes /healthz, /api/status, /api/deadletters and /metrics.
// cmd/waflow runs the bridge from environment configuration.
package waflow
