// Package channel provides an in-memory Go channel transport. Queued
// messages live only as long as the process, which makes it suitable for
// tests and single-process development runs.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/postrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// PubSubConfig keeps published messages for subscribers that attach later,
// so a producer may start before the relay.
func PubSubConfig(cfg transport.Config) gochannel.Config {
	buffer := int64(cfg.GetPrefetchCount())
	if buffer < 0 {
		buffer = 0
	}
	return gochannel.Config{
		OutputChannelBuffer: buffer,
		Persistent:          true,
	}
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(PubSubConfig(cfg), logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
