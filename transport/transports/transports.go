// Package transports registers every built-in transport with the default
// registry when imported.
package transports

import (
	_ "github.com/drblury/waflow/transport/aws"
	_ "github.com/drblury/waflow/transport/channel"
	_ "github.com/drblury/waflow/transport/http"
	_ "github.com/drblury/waflow/transport/kafka"
	_ "github.com/drblury/waflow/transport/nats"
	_ "github.com/drblury/waflow/transport/rabbitmq"
	_ "github.com/drblury/waflow/transport/redisstream"
)
