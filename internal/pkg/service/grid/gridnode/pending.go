package gridnode

import (
	"sync"

	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
)

// pendingWrites holds backup requests of reverted writes not delivered to a backup.
// They are sent before the next write of the segment to the backup, in the original order,
// otherwise the backup would wait for the missing sequences.
type pendingWrites struct {
	lock     sync.Mutex
	requests map[model.Address][]transport.BackupWriteRequest
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{requests: make(map[model.Address][]transport.BackupWriteRequest)}
}

func (p *pendingWrites) add(backup model.Address, req transport.BackupWriteRequest) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.requests[backup] = append(p.requests[backup], req)
}

// take removes pending requests of the segment for the backup.
// Requests of other epochs are dropped, the backup has already reset the sequences.
func (p *pendingWrites) take(backup model.Address, segment, epoch int) (out []transport.BackupWriteRequest) {
	p.lock.Lock()
	defer p.lock.Unlock()

	var keep []transport.BackupWriteRequest
	for _, req := range p.requests[backup] {
		switch {
		case req.Segment != segment:
			keep = append(keep, req)
		case req.Epoch == epoch:
			out = append(out, req)
		}
	}

	if len(keep) == 0 {
		delete(p.requests, backup)
	} else {
		p.requests[backup] = keep
	}
	return out
}

// putBack returns not sent requests to the front of the queue.
func (p *pendingWrites) putBack(backup model.Address, reqs []transport.BackupWriteRequest) {
	if len(reqs) == 0 {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.requests[backup] = append(reqs, p.requests[backup]...)
}

func (p *pendingWrites) len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	n := 0
	for _, reqs := range p.requests {
		n += len(reqs)
	}
	return n
}
