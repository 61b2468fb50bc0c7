/*
Package runtime bridges a chat client and a message broker for waflow.

# Architecture Overview

Inbound chat events are deduplicated, normalized into canonical message
records and published to one topic per message kind. Outbound send commands
are consumed from a single topic, validated and handed to the chat client.
Both directions are built on Watermill so any registered transport can carry
them.

# Package Structure

## Runtime (runtime.go)

The Runtime struct owns the lifecycle (stopped, starting, running, stopping)
and wires together:
  - Transport built through a transport.Factory, retried on start
  - Inbound publisher and outbound subscriber (queue/)
  - Dead-letter store (deadletter/)
  - Admin HTTP server (status.go)

## Inbound and outbound paths (inbound.go, outbound.go)

Each inbound event runs in its own goroutine with panic recovery. Outbound
commands run inside the queue layer's middleware chain; the runtime only
performs the send.

## Signals (signals.go)

AttachSignals stops the runtime on SIGINT or SIGTERM.

## Hooks and metrics (hooks.go, metrics.go)

Hooks expose errors, lifecycle events and send results to embedding code.
Metrics registers Prometheus collectors on a per-runtime registry.

# Sub-packages

  - config/: Environment configuration with validation
  - deadletter/: JSONL, SQLite and PostgreSQL dead-letter stores
  - errors/: Sentinel errors and stage-tagged errors
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - pipeline/: Deduplicator, Router and MessageNormalizer
  - privacy/: Masking of chat and message IDs in logs
  - queue/: Inbound publisher, outbound subscriber and command codec
  - retry/: Exponential backoff retry policy
  - tracing/: OpenTelemetry tracer provider setup
  - transport/: Factory that builds broker transports from config

# Usage Example

	conf, _ := config.Load()
	rt, err := runtime.New(conf, logger, client, runtime.Dependencies{})
	if err != nil {
		return err
	}
	rt.AttachSignals()
	defer rt.DetachSignals()
	if err := rt.Start(ctx); err != nil {
		return err
	}
	<-rt.Done()
*/
package runtime
