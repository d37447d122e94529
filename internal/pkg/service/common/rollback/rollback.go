// Package rollback collects compensating actions of a multi-step operation.
//   - Start with the New function.
//   - Use Add method to register a named rollback callback.
//   - Or use AddLIFO or AddParallel methods to add a sub-container.
//   - Finally call Invoke or InvokeIfErr method if the operation failed.
package rollback

import (
	"context"
	"sync"
	"time"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const (
	StrategyLIFO     = strategy("lifo")
	StrategyParallel = strategy("parallel")

	DefaultTimeout = 30 * time.Second
)

type Builder interface {
	Add(name string, cb func(ctx context.Context) error)
	AddLIFO(name string) Builder
	AddParallel(name string) Builder
}

// Container is the top-level LIFO container, errors are logged as a warning.
type Container struct {
	*container
	logger  log.Logger
	timeout time.Duration
}

type container struct {
	strategy strategy

	lock      sync.Mutex
	callbacks []callback
}

type strategy string

type callback struct {
	name string
	fn   func(ctx context.Context) error
}

func New(logger log.Logger) *Container {
	return &Container{
		container: newContainer(StrategyLIFO),
		logger:    logger.WithComponent("rollback"),
		timeout:   DefaultTimeout,
	}
}

func newContainer(strategy strategy) *container {
	return &container{strategy: strategy}
}

// WithTimeout limits the duration of the Invoke method.
func (v *Container) WithTimeout(timeout time.Duration) *Container {
	v.timeout = timeout
	return v
}

// InvokeIfErr invokes callbacks only if the *errPtr is not nil, it is intended for use with defer.
func (v *Container) InvokeIfErr(ctx context.Context, errPtr *error) {
	if errPtr != nil && *errPtr != nil {
		v.Invoke(ctx)
	}
}

// Invoke all callbacks, the context cancellation is ignored, only the timeout applies.
func (v *Container) Invoke(ctx context.Context) {
	ctx, cancel := context.WithTimeoutCause(context.WithoutCancel(ctx), v.timeout, errors.New("rollback timeout"))
	defer cancel()

	v.logger.Debugf(ctx, "invoking %d rollback callbacks", v.len())
	if err := v.invokeOrErr(ctx); err != nil {
		v.logger.Warn(ctx, errors.PrefixError(err, "rollback failed").Error())
	}
}

func (v *container) Add(name string, fn func(ctx context.Context) error) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.callbacks = append(v.callbacks, callback{name: name, fn: fn})
}

func (v *container) AddLIFO(name string) Builder {
	sub := newContainer(StrategyLIFO)
	v.Add(name, sub.invokeOrErr)
	return sub
}

func (v *container) AddParallel(name string) Builder {
	sub := newContainer(StrategyParallel)
	v.Add(name, sub.invokeOrErr)
	return sub
}

func (v *container) len() int {
	v.lock.Lock()
	defer v.lock.Unlock()
	return len(v.callbacks)
}

func (v *container) snapshot() []callback {
	v.lock.Lock()
	defer v.lock.Unlock()
	out := make([]callback, len(v.callbacks))
	copy(out, v.callbacks)
	return out
}

func (v *container) invokeOrErr(ctx context.Context) error {
	switch v.strategy {
	case StrategyLIFO:
		return v.invokeLIFO(ctx)
	case StrategyParallel:
		return v.invokeParallel(ctx)
	default:
		panic(errors.Errorf(`unexpected strategy "%s"`, v.strategy))
	}
}

func (v *container) invokeLIFO(ctx context.Context) error {
	errs := errors.NewMultiError()
	callbacks := v.snapshot()
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := callbacks[i].invoke(ctx); err != nil {
			errs.Append(err)
		}
	}
	return errs.ErrorOrNil()
}

func (v *container) invokeParallel(ctx context.Context) error {
	errs := errors.NewMultiError()
	wg := &sync.WaitGroup{}
	for _, cb := range v.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cb.invoke(ctx); err != nil {
				errs.Append(err)
			}
		}()
	}
	wg.Wait()
	return errs.ErrorOrNil()
}

func (cb callback) invoke(ctx context.Context) error {
	if err := cb.fn(ctx); err != nil {
		return errors.PrefixErrorf(err, `callback "%s"`, cb.name)
	}
	return nil
}
