// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/postrelay/transport/aws"
	_ "github.com/drblury/postrelay/transport/channel"
	_ "github.com/drblury/postrelay/transport/jetstream"
	_ "github.com/drblury/postrelay/transport/kafka"
	_ "github.com/drblury/postrelay/transport/nats"
	_ "github.com/drblury/postrelay/transport/postgres"
	_ "github.com/drblury/postrelay/transport/rabbitmq"
)
