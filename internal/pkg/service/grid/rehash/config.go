package rehash

import (
	"time"
)

type Config struct {
	Enabled                bool          `configKey:"enabled" configUsage:"Rebalance segments when the membership changes. If disabled, only leavers are removed."`
	ChunkSize              int           `configKey:"chunkSize" configUsage:"Maximum number of entries in one state transfer chunk." validate:"required,min=1"`
	Timeout                time.Duration `configKey:"timeout" configUsage:"Timeout of the whole rebalance." validate:"required,minDuration=1s,maxDuration=24h"`
	MaxConcurrentTransfers int           `configKey:"maxConcurrentTransfers" configUsage:"Maximum number of segments transferred at the same time." validate:"required,min=1"`
}

func NewConfig() Config {
	return Config{
		Enabled:                true,
		ChunkSize:              512,
		Timeout:                4 * time.Minute,
		MaxConcurrentTransfers: 4,
	}
}
