package gridnode

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/keboola/data-grid/internal/pkg/encoding/json"
	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/common/rollback"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/topology"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// Get reads the key from a read owner, values of remote keys are cached in the L1.
// OwnersLostError is returned if no read owner of the key is reachable.
func (n *Node) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	ctx, span := n.telemetry.Tracer().Start(ctx, "grid.node.Get")
	defer telemetry.EndSpan(span, &err)

	err = n.retry(ctx, "get", func(ctx context.Context, t *topology.CacheTopology) error {
		value, found, err = n.get(ctx, t, key)
		return err
	})
	return value, found, err
}

// GetJSON reads the key and decodes the value to the target.
func (n *Node) GetJSON(ctx context.Context, key string, target any) (found bool, err error) {
	value, found, err := n.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Decode(value, target); err != nil {
		return false, gridErrors.NewMarshallingError(errors.PrefixErrorf(err, `cannot decode value of the key "%s"`, key))
	}
	return true, nil
}

// Put stores the value, it returns when all reachable write owners applied the write
// and the L1 of all requestors of the key is invalidated.
func (n *Node) Put(ctx context.Context, key string, value []byte) (err error) {
	ctx, span := n.telemetry.Tracer().Start(ctx, "grid.node.Put")
	defer telemetry.EndSpan(span, &err)
	return n.write(ctx, "put", transport.Operation{Key: key, Value: value})
}

// PutJSON encodes the value and stores it.
func (n *Node) PutJSON(ctx context.Context, key string, value any) error {
	bytes, err := json.Encode(value, false)
	if err != nil {
		return gridErrors.NewMarshallingError(errors.PrefixErrorf(err, `cannot encode value of the key "%s"`, key))
	}
	return n.Put(ctx, key, bytes)
}

// Remove deletes the key, a missing key is not an error.
func (n *Node) Remove(ctx context.Context, key string) (err error) {
	ctx, span := n.telemetry.Tracer().Start(ctx, "grid.node.Remove")
	defer telemetry.EndSpan(span, &err)
	return n.write(ctx, "remove", transport.Operation{Key: key, Remove: true})
}

func (n *Node) get(ctx context.Context, t *topology.CacheTopology, key string) ([]byte, bool, error) {
	info := t.KeyDistribution(key, n.local)
	switch {
	case !info.HasOwners():
		return nil, false, gridErrors.NewOwnersLostError(key, info.Segment)
	case info.IsReadOwner():
		value, found := n.container.Get(key)
		return value, found, nil
	case !n.config.L1.Enabled:
		return n.remoteGet(ctx, t.ID, key, info, false)
	default:
		return n.l1.Get(ctx, key, func(ctx context.Context) ([]byte, bool, error) {
			return n.remoteGet(ctx, t.ID, key, info, true)
		})
	}
}

// remoteGet tries the read owners in order, unreachable owners are skipped.
func (n *Node) remoteGet(ctx context.Context, topologyID int, key string, info topology.DistributionInfo, register bool) ([]byte, bool, error) {
	req := transport.ClusteredGetRequest{Origin: n.local, TopologyID: topologyID, Key: key, RegisterRequestor: register}
	for _, owner := range info.ReadOwners {
		res, err := n.transport.ClusteredGet(ctx, owner, req)
		var unreachable gridErrors.NodeUnreachableError
		switch {
		case err == nil:
			return res.Value, res.Found, nil
		case errors.As(err, &unreachable):
			n.logger.Debugf(ctx, `read owner "%s" of the key "%s" is unreachable: %s`, owner, key, err)
		default:
			return nil, false, err
		}
	}
	return nil, false, gridErrors.NewOwnersLostError(key, info.Segment)
}

func (n *Node) write(ctx context.Context, operation string, op transport.Operation) error {
	// The value of the origin L1 is outdated by the write
	defer n.l1.InvalidateLocal(op.Key)

	return n.retry(ctx, operation, func(ctx context.Context, t *topology.CacheTopology) error {
		info := t.KeyDistribution(op.Key, n.local)
		switch {
		case info.Primary == "":
			return gridErrors.NewOwnersLostError(op.Key, info.Segment)
		case info.IsPrimary():
			return n.primaryWrite(ctx, t.ID, op)
		default:
			return n.transport.PrimaryWrite(ctx, info.Primary, transport.WriteRequest{Origin: n.local, TopologyID: t.ID, Operation: op})
		}
	})
}

// primaryWrite applies the operation locally, replicates it to backups and invalidates L1 of requestors.
//
// The local modification and the sequence reservation are done under the segment lock,
// so backups deliver writes of the segment in the same order as the primary applied them.
// A backup request is repeated while the backup is unreachable or does not respond in time.
// If the epoch of the segment advances meanwhile, StaleTopologyError is returned and the caller repeats the write.
// If a backup definitively fails, the write is reverted, see primaryWriteRollback.
func (n *Node) primaryWrite(ctx context.Context, topologyID int, op transport.Operation) (err error) {
	t := n.dm.Topology()
	if t == nil || t.ID < topologyID {
		return gridErrors.NewStaleTopologyError(topologyID, n.dm.TopologyID())
	}

	segment := t.Segment(op.Key)
	lock := &n.writeLocks[segment]
	lock.Lock()
	// The topology may have been replaced while waiting for the lock
	t = n.dm.Topology()
	info := t.KeyDistribution(op.Key, n.local)
	if !info.IsPrimary() {
		lock.Unlock()
		return gridErrors.NewStaleTopologyError(topologyID, t.ID)
	}
	seq, err := n.triangle.Next(info.Segment, info.Epoch)
	if err != nil {
		lock.Unlock()
		return err
	}
	prevValue, prevFound := n.container.Get(op.Key)
	revision := n.apply(op)
	requestors := n.l1.TakeRequestors(op.Key)
	lock.Unlock()

	req := transport.BackupWriteRequest{
		Origin:     n.local,
		TopologyID: t.ID,
		Segment:    info.Segment,
		Epoch:      info.Epoch,
		Sequence:   seq,
		Operation:  op,
	}

	resultLock := &sync.Mutex{}
	var failed model.Addresses
	var stale error
	errs := errors.NewMultiError()
	grp := &errgroup.Group{}
	for _, backup := range info.Backups {
		grp.Go(func() error {
			res, err := n.backupWrite(ctx, backup, req)
			resultLock.Lock()
			defer resultLock.Unlock()
			var staleErr gridErrors.StaleTopologyError
			switch {
			case err == nil:
				requestors = append(requestors, res.Requestors...)
			case errors.As(err, &staleErr):
				stale = err
			default:
				failed = append(failed, backup)
				errs.Append(errors.PrefixErrorf(err, `backup "%s" did not apply the write`, backup))
			}
			return nil
		})
	}
	_ = grp.Wait()

	switch {
	case stale != nil:
		// The write is repeated in the new epoch, the state transfer of the segment already contains the value
		err = stale
	case len(failed) > 0:
		rb := rollback.New(n.logger).WithTimeout(n.config.Retry.MaxElapsedTime)
		n.primaryWriteRollback(rb, req, info.Backups, failed, revision, prevValue, prevFound)
		rb.Invoke(ctx)
		err = errs.ErrorOrNil()
	}

	// The primary value has been modified, requestors are invalidated even if the write failed
	if invErr := n.l1.Invalidate(ctx, []string{op.Key}, requestors, t.Members()); invErr != nil && err == nil {
		err = invErr
	}

	return err
}

// primaryWriteRollback registers reverting steps of a write not applied by all backups.
// The reserved sequence is skipped on the failed backups, so following writes of the segment are not blocked.
// Then the previous state of the key is restored on the primary and replicated as a new write,
// unless the key has been modified meanwhile.
// Requests not delivered to a backup are kept pending, see pendingWrites.
func (n *Node) primaryWriteRollback(rb *rollback.Container, req transport.BackupWriteRequest, backups, failed model.Addresses, revision uint64, prevValue []byte, prevFound bool) {
	key := req.Operation.Key

	// Callbacks are invoked in the reverse order
	rb.Add("restore previous value", func(ctx context.Context) error {
		lock := &n.writeLocks[req.Segment]
		lock.Lock()
		if n.container.KeyRevision(key) != revision {
			lock.Unlock()
			return nil
		}
		seq, err := n.triangle.Next(req.Segment, req.Epoch)
		if err != nil {
			lock.Unlock()
			return errors.PrefixErrorf(err, `cannot restore previous value of the key "%s"`, key)
		}
		n.container.CompareAndRestore(key, revision, prevValue, prevFound)
		lock.Unlock()

		restore := req
		restore.Sequence = seq
		restore.Operation = transport.Operation{Key: key, Value: prevValue, Remove: !prevFound}
		n.metrics.restored.Add(ctx, 1)

		errs := errors.NewMultiError()
		for _, backup := range backups {
			if _, err := n.backupWrite(ctx, backup, restore); err != nil {
				n.pending.add(backup, restore)
				errs.Append(errors.PrefixErrorf(err, `backup "%s" did not restore the key "%s"`, backup, key))
			}
		}
		return errs.ErrorOrNil()
	})

	skip := req
	skip.Skip = true
	for _, backup := range failed {
		rb.Add("skip sequence on "+backup.String(), func(ctx context.Context) error {
			if _, err := n.backupWrite(ctx, backup, skip); err != nil {
				n.pending.add(backup, skip)
				return err
			}
			return nil
		})
	}
}

// backupWrite sends the request to the backup, the request is repeated if the backup is unreachable or does not respond in time.
// Pending requests of the segment are sent first.
// The request is idempotent, the backup ignores an already delivered sequence.
func (n *Node) backupWrite(ctx context.Context, backup model.Address, req transport.BackupWriteRequest) (res transport.BackupWriteResponse, err error) {
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if epoch := n.triangle.Epoch(req.Segment); epoch != req.Epoch {
			return backoff.Permanent(gridErrors.NewStaleTopologyError(req.Epoch, epoch))
		}

		err := n.flushPending(ctx, backup, req.Segment, req.Epoch)
		if err == nil {
			res, err = n.transport.BackupWrite(ctx, backup, req)
		}

		var unreachable gridErrors.NodeUnreachableError
		var timeout gridErrors.TimeoutError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &unreachable) || errors.As(err, &timeout):
			n.logger.Debugf(ctx, `backup "%s" of the segment "%d" failed, attempt %d: %s`, backup, req.Segment, attempt, err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, n.newBackOff(ctx))
	return res, err
}

func (n *Node) flushPending(ctx context.Context, backup model.Address, segment, epoch int) error {
	reqs := n.pending.take(backup, segment, epoch)
	for i, req := range reqs {
		if _, err := n.transport.BackupWrite(ctx, backup, req); err != nil {
			n.pending.putBack(backup, reqs[i:])
			return err
		}
	}
	return nil
}

func (n *Node) apply(op transport.Operation) (revision uint64) {
	if op.Remove {
		n.container.Remove(op.Key)
		return n.container.KeyRevision(op.Key)
	}
	return n.container.Put(op.Key, op.Value)
}

// retry calls the operation with the current topology, StaleTopologyError and NodeUnreachableError are retried.
// Before the retry of StaleTopologyError, the node waits for the newer topology.
func (n *Node) retry(ctx context.Context, operation string, fn func(ctx context.Context, t *topology.CacheTopology) error) error {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			n.metrics.retry.Add(ctx, 1, attrs)
		}

		t, err := n.topology(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		err = fn(ctx, t)
		if err == nil || !gridErrors.IsRetryable(err) {
			return permanentOrNil(err)
		}

		var staleErr gridErrors.StaleTopologyError
		if errors.As(err, &staleErr) && staleErr.Actual > t.ID {
			if _, waitErr := n.dm.WaitForTopology(ctx, staleErr.Actual); waitErr != nil {
				return backoff.Permanent(err)
			}
		}

		n.logger.With(attribute.String("operation", operation)).Debugf(ctx, `operation "<operation>" failed, attempt %d: %s`, attempt, err)
		return err
	}, n.newBackOff(ctx))
}

// newBackOff returns the retry policy of the node, limited by the count of attempts and by the context.
func (n *Node) newBackOff(ctx context.Context) backoff.BackOff {
	cfg := n.config.Retry
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime
	b.Clock = n.clock
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(cfg.MaxAttempts-1, 0))), ctx) //nolint:gosec // the count is validated
}

// topology returns the current topology, it waits for the first one.
func (n *Node) topology(ctx context.Context) (*topology.CacheTopology, error) {
	if t := n.dm.Topology(); t != nil {
		return t, nil
	}
	return n.dm.WaitForTopology(ctx, 1)
}

func permanentOrNil(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
