// Package transport is the runtime's view of the broker: a Factory that turns
// the loaded configuration into a publisher/subscriber pair plus the
// capabilities the outbound subscriber adapts to.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/waflow/internal/runtime/config"
	"github.com/drblury/waflow/transport"

	_ "github.com/drblury/waflow/transport/transports"
)

// Factory abstracts how the runtime obtains its broker connection.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error)
	Capabilities(conf *config.Config) transport.Capabilities
}

// DefaultFactory builds transports from the default registry, which holds
// every built-in broker.
func DefaultFactory() Factory {
	return registryFactory{registry: transport.DefaultRegistry}
}

// RegistryFactory builds transports from a custom registry.
func RegistryFactory(registry *transport.Registry) Factory {
	return registryFactory{registry: registry}
}

type registryFactory struct {
	registry *transport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if conf == nil {
		return transport.Transport{}, fmt.Errorf("config is required")
	}
	return f.registry.Build(ctx, conf, logger)
}

func (f registryFactory) Capabilities(conf *config.Config) transport.Capabilities {
	if conf == nil {
		return transport.Capabilities{}
	}
	return f.registry.GetCapabilities(conf.PubSubSystem)
}

// StaticFactory hands out an already constructed transport. The runtime owns
// the pair afterwards and closes it on Stop.
func StaticFactory(t transport.Transport, caps transport.Capabilities) Factory {
	return staticFactory{t: t, caps: caps}
}

type staticFactory struct {
	t    transport.Transport
	caps transport.Capabilities
}

func (f staticFactory) Build(context.Context, *config.Config, watermill.LoggerAdapter) (transport.Transport, error) {
	if f.t.Publisher == nil || f.t.Subscriber == nil {
		return transport.Transport{}, fmt.Errorf("static transport is incomplete")
	}
	return f.t, nil
}

func (f staticFactory) Capabilities(*config.Config) transport.Capabilities {
	return f.caps
}
