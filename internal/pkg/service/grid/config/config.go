// Package config contains the configuration of the grid node.
// Values are bound from flags, ENVs with the GRID_ prefix and an optional config file, see the configmap package.
package config

import (
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/common/configmap"
	"github.com/keboola/data-grid/internal/pkg/service/common/distribution"
	"github.com/keboola/data-grid/internal/pkg/service/common/etcdclient"
	"github.com/keboola/data-grid/internal/pkg/service/grid/gridnode"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport/grpcnet"
	"github.com/keboola/data-grid/internal/pkg/telemetry/prometheus"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const EnvPrefix = "GRID_"

type Config struct {
	NodeID          string `configKey:"nodeId" configUsage:"Unique ID of the node in the cluster. A random ID is generated if empty."`
	gridnode.Config `configKey:",squash"`
	RPC             grpcnet.Config      `configKey:"rpc"`
	Etcd            etcdclient.Config   `configKey:"etcd"`
	Membership      distribution.Config `configKey:"membership"`
	Log             Log                 `configKey:"log"`
	Metrics         prometheus.Config   `configKey:"metrics"`
}

type Log struct {
	Format string `configKey:"format" configUsage:"Log format: json or console." validate:"required,oneof=json console"`
	Debug  bool   `configKey:"debug" configUsage:"Enable debug log level."`
}

func NewConfig() Config {
	return Config{
		Config:     gridnode.NewConfig(),
		RPC:        grpcnet.NewConfig(),
		Etcd:       etcdclient.NewConfig(),
		Membership: distribution.NewConfig(),
		Log: Log{
			Format: string(log.LogFormatJSON),
		},
		Metrics: prometheus.NewConfig(),
	}
}

// Bind creates the configuration from the default values, the command line arguments and the ENVs.
func Bind(args []string, envs func(name string) (string, bool)) (Config, error) {
	cfg := NewConfig()
	err := configmap.Bind(configmap.BindSpec{Args: args, EnvPrefix: EnvPrefix, Envs: envs}, &cfg)
	return cfg, err
}

func (c *Config) Normalize() {
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		c.NodeID = uuid.Must(uuid.NewV4()).String()
	}
	c.RPC.AdvertiseAddress = strings.TrimSpace(c.RPC.AdvertiseAddress)
	c.Etcd.Normalize()
}

func (c *Config) Validate() error {
	errs := errors.NewMultiError()
	if err := c.Etcd.Validate(); err != nil {
		errs.Append(err)
	}
	if c.Retry.InitialInterval > c.Retry.MaxInterval {
		errs.Append(errors.Errorf(`retry initial interval "%s" is greater than the max interval "%s"`, c.Retry.InitialInterval, c.Retry.MaxInterval))
	}
	return errs.ErrorOrNil()
}
