package servicectx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

func TestProcess_Add(t *testing.T) {
	t.Parallel()

	logger := log.NewDebugLogger()
	proc, err := New(WithLogger(logger), WithUniqueID("my-node"), WithoutSignals())
	require.NoError(t, err)

	var lock sync.Mutex
	var events []string
	record := func(s string) {
		lock.Lock()
		defer lock.Unlock()
		events = append(events, s)
	}

	// Operations run in parallel, sleep determines the completion order
	proc.Add(func(ctx context.Context, _ ShutdownFn) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		record("end1")
	})
	proc.Add(func(ctx context.Context, _ ShutdownFn) {
		<-ctx.Done()
		time.Sleep(40 * time.Millisecond)
		record("end2")
	})
	proc.Add(func(ctx context.Context, shutdown ShutdownFn) {
		shutdown(ctx, errors.New("operation failed"))
	})
	proc.OnShutdown(func(ctx context.Context) { record("onShutdown1") })
	proc.OnShutdown(func(ctx context.Context) { record("onShutdown2") })

	err = proc.WaitForShutdown()
	require.Error(t, err)
	assert.Equal(t, "operation failed", err.Error())
	assert.Equal(t, []string{"onShutdown2", "onShutdown1", "end1", "end2"}, events)

	logger.AssertJSONMessages(t, `
{"level":"info","message":"process unique id \"my-node\"","component":"process"}
{"level":"info","message":"exiting (operation failed)"}
{"level":"info","message":"exited"}
`)
}

func TestProcess_Shutdown_Once(t *testing.T) {
	t.Parallel()

	proc, err := New(WithUniqueID("my-node"), WithoutSignals())
	require.NoError(t, err)

	proc.Shutdown(context.Background(), errors.New("first"))
	proc.Shutdown(context.Background(), errors.New("second"))

	err = proc.WaitForShutdown()
	require.Error(t, err)
	assert.Equal(t, "first", err.Error())
	assert.Error(t, proc.Ctx().Err())
	assert.Equal(t, "my-node", proc.UniqueID())
}

func TestProcess_OnShutdown_Terminating(t *testing.T) {
	t.Parallel()

	logger := log.NewDebugLogger()
	proc, err := New(WithLogger(logger), WithoutSignals())
	require.NoError(t, err)

	proc.Shutdown(context.Background(), errors.New("stop"))
	proc.OnShutdown(func(ctx context.Context) {})
	_ = proc.WaitForShutdown()

	logger.AssertJSONMessages(t, `{"level":"error","message":"cannot register OnShutdown callback: the process is terminating"}`)
}
