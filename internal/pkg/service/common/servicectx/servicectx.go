// Package servicectx provides unique ID for a grid node process and support for the graceful shutdown.
package servicectx

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const defaultShutdownTimeout = 30 * time.Second

type Process struct {
	logger          log.Logger
	uniqueID        string
	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	lock        sync.Mutex
	shutdownErr error
	terminating bool
	onShutdown  []OnShutdownFn
	done        chan struct{}
}

// ShutdownFn triggers termination of the process, it can be called multiple times.
type ShutdownFn func(ctx context.Context, err error)

// OnShutdownFn is invoked when the process is terminating.
type OnShutdownFn func(ctx context.Context)

type Option func(c *config)

type config struct {
	logger          log.Logger
	uniqueID        string
	shutdownTimeout time.Duration
	signals         bool
}

// WithUniqueID sets unique ID of the process.
// By default, it is generated from the hostname and PID.
func WithUniqueID(v string) Option {
	return func(c *config) {
		c.uniqueID = v
	}
}

func WithLogger(v log.Logger) Option {
	return func(c *config) {
		c.logger = v
	}
}

// WithShutdownTimeout limits the duration of the OnShutdown callbacks.
func WithShutdownTimeout(v time.Duration) Option {
	return func(c *config) {
		c.shutdownTimeout = v
	}
}

// WithoutSignals disables the SIGINT and SIGTERM handler.
func WithoutSignals() Option {
	return func(c *config) {
		c.signals = false
	}
}

func New(opts ...Option) (*Process, error) {
	c := config{logger: log.NewNopLogger(), shutdownTimeout: defaultShutdownTimeout, signals: true}
	for _, o := range opts {
		o(&c)
	}

	if c.uniqueID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, errors.Errorf("cannot get hostname: %w", err)
		}
		c.uniqueID = fmt.Sprintf(`%s-%05d`, hostname, os.Getpid())
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	proc := &Process{
		logger:          c.logger.WithComponent("process"),
		uniqueID:        c.uniqueID,
		shutdownTimeout: c.shutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	// SIGINT and SIGTERM signals cause the process to stop gracefully
	if c.signals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sigCh:
				proc.Shutdown(context.Background(), errors.Errorf("%s", sig))
			case <-proc.done:
			}
			signal.Stop(sigCh)
		}()
	}

	proc.logger.Infof(ctx, `process unique id "%s"`, proc.uniqueID)
	return proc, nil
}

func NewForTest(t *testing.T) *Process {
	t.Helper()

	proc, err := New(WithUniqueID("test_"+t.Name()), WithoutSignals())
	if err != nil {
		t.Fatal(err)
		return nil
	}

	t.Cleanup(func() {
		proc.Shutdown(context.Background(), errors.New("test cleanup"))
		proc.WaitForShutdown()
	})

	return proc
}

// UniqueID returns unique process ID, it consists of hostname and PID.
func (p *Process) UniqueID() string {
	return p.uniqueID
}

// Ctx is cancelled when the process is terminating.
func (p *Process) Ctx() context.Context {
	return p.ctx
}

// Add an operation.
// The ctx parameter is cancelled when the process is terminating.
// The shutdown parameter can be used to stop the process with an error.
// WaitForShutdown waits until all operations are completed.
func (p *Process) Add(operation func(ctx context.Context, shutdown ShutdownFn)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		operation(p.ctx, p.Shutdown)
	}()
}

// OnShutdown registers a callback that is invoked when the process is terminating.
// Callbacks are invoked sequentially in LIFO order, before the operations context is cancelled.
func (p *Process) OnShutdown(fn OnShutdownFn) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.terminating {
		p.logger.Error(context.Background(), `cannot register OnShutdown callback: the process is terminating`)
		return
	}
	p.onShutdown = append(p.onShutdown, fn)
}

// Shutdown triggers termination of the process, only the first call has an effect.
func (p *Process) Shutdown(ctx context.Context, err error) {
	p.lock.Lock()
	if p.terminating {
		p.lock.Unlock()
		return
	}
	p.terminating = true
	p.shutdownErr = err
	callbacks := p.onShutdown
	p.lock.Unlock()

	go func() {
		p.logger.Infof(ctx, "exiting (%v)", err)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.shutdownTimeout)
		defer cancel()
		for i := len(callbacks) - 1; i >= 0; i-- {
			callbacks[i](ctx)
		}

		p.cancel(err)
		p.wg.Wait()
		p.logger.Info(ctx, "exited")
		close(p.done)
	}()
}

// WaitForShutdown blocks until Shutdown has been called and all operations are completed.
// It returns the error passed to the Shutdown.
func (p *Process) WaitForShutdown() error {
	<-p.done
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.shutdownErr
}
