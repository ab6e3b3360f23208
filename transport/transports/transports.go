// Package transports imports the built-in broker adapters for auto-registration.
// Import this package (for side effects) to have both adapters registered with
// the default transport registry without listing them individually.
package transports

import (
	// Import both broker adapters for side-effect registration.
	_ "github.com/relaycore/relaycore/transport/kafka"
	_ "github.com/relaycore/relaycore/transport/rabbitmq"
)
