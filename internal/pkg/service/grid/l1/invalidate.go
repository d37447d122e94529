package l1

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// Invalidate removes the keys from the near-cache of the requestors, it waits for all acknowledgements.
// If the count of requestors exceeds the InvalidationThreshold, all members are invalidated.
//
// Unreachable requestors are skipped, the node left the cluster.
// If some requestor does not respond in the InvalidationTimeout, TimeoutError is returned
// and the invalidation is repeated once more in the background after the timeout.
func (m *Manager) Invalidate(ctx context.Context, keys []string, requestors, members model.Addresses) error {
	targets := requestors
	if m.config.InvalidationThreshold > 0 && len(requestors) > m.config.InvalidationThreshold {
		targets = members
	}
	targets = unique(targets.Without(m.local))
	if len(targets) == 0 {
		return nil
	}

	timeout := m.config.InvalidationTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lock := &sync.Mutex{}
	var timedOut model.Addresses
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, addr := range targets {
		grp.Go(func() error {
			m.metrics.invalidation.Add(grpCtx, 1)
			err := m.notifier.InvalidateL1(grpCtx, addr, transport.InvalidateL1Request{Origin: m.local, Keys: keys})
			var unreachable gridErrors.NodeUnreachableError
			switch {
			case err == nil:
				return nil
			case errors.As(err, &unreachable):
				m.logger.With(attribute.String("node", addr.String())).Debugf(grpCtx, `skipped L1 invalidation of unreachable node "<node>"`)
				return nil
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
				lock.Lock()
				timedOut = append(timedOut, addr)
				lock.Unlock()
				return nil
			default:
				return errors.PrefixErrorf(err, `cannot invalidate L1 of the node "%s"`, addr)
			}
		})
	}

	if err := grp.Wait(); err != nil {
		return err
	}

	if len(timedOut) > 0 {
		slices.Sort(timedOut)
		m.scheduleLastChance(timedOut, keys, timeout)
		return gridErrors.NewTimeoutError("l1 invalidation", timeout, errors.Errorf("no acknowledgement from %s", timedOut))
	}

	return nil
}

// scheduleLastChance repeats the invalidation after the delay, so a lost invalidation is eventually delivered.
func (m *Manager) scheduleLastChance(targets model.Addresses, keys []string, delay time.Duration) {
	m.wg.Add(1)
	m.clock.AfterFunc(delay, func() {
		defer m.wg.Done()
		for _, addr := range targets {
			m.sendInvalidation(context.Background(), addr, keys)
		}
	})
}

func (m *Manager) invalidateInBackground(ctx context.Context, addr model.Address, keys []string) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sendInvalidation(ctx, addr, keys)
	}()
}

func (m *Manager) sendInvalidation(ctx context.Context, addr model.Address, keys []string) {
	ctx, cancel := context.WithTimeout(ctx, m.config.InvalidationTimeout)
	defer cancel()
	m.metrics.invalidation.Add(ctx, 1)
	if err := m.notifier.InvalidateL1(ctx, addr, transport.InvalidateL1Request{Origin: m.local, Keys: keys}); err != nil {
		m.logger.With(attribute.String("node", addr.String())).Warnf(ctx, `background L1 invalidation of the node "<node>" failed: %s`, err)
	}
}

func unique(addrs model.Addresses) model.Addresses {
	out := addrs.Sorted()
	return slices.Compact(out)
}
