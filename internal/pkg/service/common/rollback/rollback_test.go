package rollback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

func TestContainer_Invoke(t *testing.T) {
	t.Parallel()

	logger := log.NewDebugLogger()
	var lock sync.Mutex
	var order []string
	record := func(s string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			lock.Lock()
			defer lock.Unlock()
			order = append(order, s)
			return nil
		}
	}

	c := New(logger)
	c.Add("1", record("1"))
	lifo := c.AddLIFO("lifo")
	lifo.Add("2", record("2"))
	lifo.Add("3", record("3"))
	parallel := c.AddParallel("parallel")
	parallel.Add("4", record("4"))
	parallel.Add("5", func(ctx context.Context) error {
		return errors.New("cannot restore topology")
	})
	c.Add("6", record("6"))

	// Context cancellation is ignored
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Invoke(ctx)

	assert.Equal(t, []string{"6", "4", "3", "2", "1"}, order)
	warnings := logger.WarnMessages()
	assert.Contains(t, warnings, "rollback failed")
	assert.Contains(t, warnings, "cannot restore topology")
}

func TestContainer_InvokeIfErr(t *testing.T) {
	t.Parallel()

	invoked := 0
	c := New(log.NewNopLogger()).WithTimeout(time.Second)
	c.Add("counter", func(ctx context.Context) error {
		invoked++
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})

	var err error
	c.InvokeIfErr(context.Background(), &err)
	assert.Equal(t, 0, invoked)

	err = errors.New("operation failed")
	c.InvokeIfErr(context.Background(), &err)
	assert.Equal(t, 1, invoked)
}
