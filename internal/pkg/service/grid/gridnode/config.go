package gridnode

import (
	"time"

	"github.com/keboola/data-grid/internal/pkg/service/grid/consistenthash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/l1"
	"github.com/keboola/data-grid/internal/pkg/service/grid/rehash"
)

type Config struct {
	Hashing consistenthash.Config `configKey:"hashing"`
	L1      l1.Config             `configKey:"l1"`
	Rehash  rehash.Config         `configKey:"rehash"`
	Retry   RetryConfig           `configKey:"retry"`
}

// RetryConfig limits retries of an operation routed by a stale topology.
type RetryConfig struct {
	MaxAttempts     int           `configKey:"maxAttempts" configUsage:"Maximum attempts of an operation, including the first one." validate:"required,min=1,max=100"`
	InitialInterval time.Duration `configKey:"initialInterval" configUsage:"Delay before the first retry." validate:"required,minDuration=1ms,maxDuration=1m"`
	MaxInterval     time.Duration `configKey:"maxInterval" configUsage:"Maximum delay between retries." validate:"required,minDuration=1ms,maxDuration=5m"`
	MaxElapsedTime  time.Duration `configKey:"maxElapsedTime" configUsage:"Maximum duration of all attempts." validate:"required,minDuration=1ms,maxDuration=30m"`
}

func NewConfig() Config {
	return Config{
		Hashing: consistenthash.NewConfig(),
		L1:      l1.NewConfig(),
		Rehash:  rehash.NewConfig(),
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     time.Second,
			MaxElapsedTime:  10 * time.Second,
		},
	}
}
