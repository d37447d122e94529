package config

import (
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/data-grid/internal/pkg/service/common/configmap"
)

func envs(m map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestBind(t *testing.T) {
	t.Parallel()

	cfg, err := Bind(
		[]string{"--hashing-num-owners", "3", "--l1-max-size", "128MB", "--rpc-advertise-address", "grid-1:7420"},
		envs(map[string]string{
			"GRID_NODE_ID":                         " node-1 ",
			"GRID_ETCD_ENDPOINT":                   "localhost:2379/",
			"GRID_ETCD_PASSWORD":                   "secret",
			"GRID_RETRY_INITIAL_INTERVAL":          "50ms",
			"GRID_MEMBERSHIP_TTL_SECONDS":          "5",
			"GRID_LOG_FORMAT":                      "console",
			"GRID_REHASH_MAX_CONCURRENT_TRANSFERS": "8",
		}),
	)
	require.NoError(t, err)

	expected := NewConfig()
	expected.NodeID = "node-1"
	expected.Hashing.NumOwners = 3
	expected.L1.MaxSize = 128 * datasize.MB
	expected.RPC.AdvertiseAddress = "grid-1:7420"
	expected.Etcd.Endpoint = "localhost:2379"
	expected.Etcd.Namespace = "data-grid/"
	expected.Etcd.Password = "secret"
	expected.Retry.InitialInterval = 50 * time.Millisecond
	expected.Membership.TTLSeconds = 5
	expected.Log.Format = "console"
	expected.Rehash.MaxConcurrentTransfers = 8
	assert.Equal(t, expected, cfg)

	dump, err := configmap.Dump(&cfg)
	require.NoError(t, err)
	assert.NotContains(t, dump, "secret")
	assert.Contains(t, dump, `"l1.maxSize":"128MB"`)
	assert.Contains(t, dump, `"etcd.password":"*****"`)
	assert.Contains(t, dump, `"nodeId":"node-1"`)
}

func TestBind_GeneratedNodeID(t *testing.T) {
	t.Parallel()

	cfg, err := Bind(nil, envs(map[string]string{"GRID_ETCD_ENDPOINT": "localhost:2379"}))
	require.NoError(t, err)

	id, err := uuid.FromString(cfg.NodeID)
	require.NoError(t, err)
	assert.Equal(t, uuid.V4, id.Version())
	assert.Equal(t, "localhost:7420", cfg.RPC.Advertised())
}

func TestBind_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		args     []string
		envs     map[string]string
		expected string
	}{
		{
			name:     "missing etcd endpoint",
			expected: `"etcd.endpoint" is a required field`,
		},
		{
			name:     "invalid log format",
			args:     []string{"--log-format", "xml"},
			envs:     map[string]string{"GRID_ETCD_ENDPOINT": "localhost:2379"},
			expected: `"log.format" must be one of [json console]`,
		},
		{
			name:     "invalid factory",
			args:     []string{"--hashing-factory", "ring"},
			envs:     map[string]string{"GRID_ETCD_ENDPOINT": "localhost:2379"},
			expected: `"hashing.factory" must be one of [sync default]`,
		},
		{
			name:     "retry intervals",
			args:     []string{"--retry-initial-interval", "2s", "--retry-max-interval", "1s"},
			envs:     map[string]string{"GRID_ETCD_ENDPOINT": "localhost:2379"},
			expected: `retry initial interval "2s" is greater than the max interval "1s"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Bind(tc.args, envs(tc.envs))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expected)
		})
	}
}
