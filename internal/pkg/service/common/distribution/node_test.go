package distribution_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/common/distribution"
	"github.com/keboola/data-grid/internal/pkg/service/common/etcdclient"
	"github.com/keboola/data-grid/internal/pkg/service/common/servicectx"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
	"github.com/keboola/data-grid/internal/pkg/utils/etcdhelper"
)

type testDeps struct {
	clock  clockwork.Clock
	logger log.Logger
	proc   *servicectx.Process
	client *etcd.Client
}

func (d *testDeps) Clock() clockwork.Clock       { return d.clock }
func (d *testDeps) Logger() log.Logger           { return d.logger }
func (d *testDeps) Process() *servicectx.Process { return d.proc }
func (d *testDeps) EtcdClient() *etcd.Client     { return d.client }

func TestNode_Membership(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	etcdCfg := etcdhelper.TmpNamespace(t)

	node1, d1 := createNode(t, etcdCfg, model.Member{Address: "node-1", RPCAddress: "10.0.0.1:7420", CapacityFactor: 1})
	listener := node1.OnChangeListener()
	defer listener.Stop()

	node2, d2 := createNode(t, etcdCfg, model.Member{Address: "node-2", RPCAddress: "10.0.0.2:7420", CapacityFactor: 2})

	assert.Eventually(t, func() bool {
		return len(node1.Members()) == 2 && len(node2.Members()) == 2
	}, 10*time.Second, 10*time.Millisecond)

	// The first registered node is the oldest
	assert.True(t, node1.IsOldest())
	assert.False(t, node2.IsOldest())
	assert.Equal(t, model.Address("node-1"), node2.Oldest())
	m, found := node1.Member("node-2")
	require.True(t, found)
	assert.Equal(t, "10.0.0.2:7420", m.RPCAddress)
	assert.Equal(t, 2.0, m.CapacityFactor)

	select {
	case events := <-listener.C:
		assert.Equal(t, `found a new node "node-2"`, events.Messages())
	case <-ctx.Done():
		t.Fatal("timeout")
	}

	// Node 1 leaves, node 2 becomes the oldest
	d1.proc.Shutdown(ctx, errors.New("bye bye 1"))
	_ = d1.proc.WaitForShutdown()
	assert.Eventually(t, func() bool {
		return len(node2.Members()) == 1 && node2.IsOldest()
	}, 10*time.Second, 10*time.Millisecond)

	d2.proc.Shutdown(ctx, errors.New("bye bye 2"))
	_ = d2.proc.WaitForShutdown()
}

func createNode(t *testing.T, cfg etcdclient.Config, self model.Member) (*distribution.Node, *testDeps) {
	t.Helper()

	d := &testDeps{
		clock:  clockwork.NewRealClock(),
		logger: log.NewNopLogger(),
		proc:   servicectx.NewForTest(t),
		client: etcdhelper.ClientForTest(t, cfg),
	}

	distCfg := distribution.NewConfig()
	distCfg.EventsGroupInterval = 0
	node, err := distribution.NewNode(d, self, distCfg)
	require.NoError(t, err)
	return node, d
}
