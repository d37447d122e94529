package l1

import (
	"time"

	"github.com/c2h5oh/datasize"
)

type Config struct {
	Enabled               bool              `configKey:"enabled" configUsage:"Cache values of remote keys in the local near-cache."`
	Lifespan              time.Duration     `configKey:"lifespan" configUsage:"Maximum lifespan of a near-cache entry." validate:"required,minDuration=1ms,maxDuration=24h"`
	InvalidationTimeout   time.Duration     `configKey:"invalidationTimeout" configUsage:"Timeout of the synchronous near-cache invalidation." validate:"required,minDuration=1ms,maxDuration=5m"`
	InvalidationThreshold int               `configKey:"invalidationThreshold" configUsage:"Above this count of requestors the invalidation is broadcast to all members. Use 0 to disable." validate:"min=0"`
	MaxSize               datasize.ByteSize `configKey:"maxSize" configUsage:"Maximum size of the near-cache." validate:"required"`
}

func NewConfig() Config {
	return Config{
		Enabled:               true,
		Lifespan:              10 * time.Minute,
		InvalidationTimeout:   15 * time.Second,
		InvalidationThreshold: 0,
		MaxSize:               64 * datasize.MB,
	}
}
