// Package etcdhelper provides etcd setup for tests.
// Tests are skipped if the UNIT_ETCD_ENDPOINT environment variable is not set.
package etcdhelper

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/data-grid/internal/pkg/service/common/etcdclient"
)

// TmpNamespace returns the etcd configuration with a unique namespace.
// The namespace is deleted after the test.
func TmpNamespace(t testing.TB) etcdclient.Config {
	t.Helper()

	endpoint := os.Getenv("UNIT_ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skip("etcd test is skipped, UNIT_ETCD_ENDPOINT is not set")
	}

	cfg := etcdclient.NewConfig()
	cfg.Endpoint = endpoint
	cfg.Username = os.Getenv("UNIT_ETCD_USERNAME")
	cfg.Password = os.Getenv("UNIT_ETCD_PASSWORD")
	cfg.Namespace = "unit-" + uuid.Must(uuid.NewV4()).String()
	cfg.ConnectTimeout = 5 * time.Second
	cfg.Normalize()

	t.Cleanup(func() {
		client := newClient(t, cfg)
		defer client.Close()
		if _, err := client.Delete(context.Background(), cfg.Namespace, etcd.WithPrefix()); err != nil {
			t.Errorf(`cannot clear etcd namespace "%s" after test: %s`, cfg.Namespace, err)
		}
	})

	return cfg
}

// ClientForTest returns a client connected to the namespace of the configuration.
func ClientForTest(t testing.TB, cfg etcdclient.Config) *etcd.Client {
	t.Helper()
	client := newClient(t, cfg)
	etcdclient.UseNamespace(client, cfg.Namespace)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func newClient(t testing.TB, cfg etcdclient.Config) *etcd.Client {
	t.Helper()
	client, err := etcd.New(etcd.Config{
		Endpoints:   []string{cfg.Endpoint},
		DialTimeout: cfg.ConnectTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		t.Fatalf("cannot create etcd client: %s", err)
	}
	return client
}
