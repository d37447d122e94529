package grpcnet

import (
	"strings"
	"time"
)

type Config struct {
	Listen           string        `configKey:"listen" configUsage:"Listen address of the node-to-node gRPC server." validate:"required"`
	AdvertiseAddress string        `configKey:"advertiseAddress" configUsage:"Address announced to other nodes. If empty, the listen address is used."`
	Timeout          time.Duration `configKey:"timeout" configUsage:"Timeout of one node-to-node request." validate:"required,minDuration=10ms,maxDuration=5m"`
	Compression      bool          `configKey:"compression" configUsage:"Compress requests by zstd."`
}

func NewConfig() Config {
	return Config{
		Listen:  ":7420",
		Timeout: 15 * time.Second,
	}
}

// Advertised returns the address announced in the membership.
// The listen address without a host is advertised as localhost.
func (c Config) Advertised() string {
	if c.AdvertiseAddress != "" {
		return c.AdvertiseAddress
	}
	if strings.HasPrefix(c.Listen, ":") {
		return "localhost" + c.Listen
	}
	return c.Listen
}
