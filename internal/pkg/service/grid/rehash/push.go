package rehash

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// ChunkSender is implemented by the transport.Transport.
type ChunkSender interface {
	StateTransferChunk(ctx context.Context, to model.Address, req transport.StateTransferChunk) error
}

// PushSegment sends the segment entries to all receivers in chunks, the last chunk is marked.
// An empty segment is sent as one empty last chunk.
func PushSegment(ctx context.Context, sender ChunkSender, local model.Address, req transport.StatePushRequest, entries []model.Entry, chunkSize int) error {
	chunks := Chunks(entries, chunkSize)
	grp, ctx := errgroup.WithContext(ctx)
	for _, receiver := range req.Receivers {
		grp.Go(func() error {
			for i, chunk := range chunks {
				err := sender.StateTransferChunk(ctx, receiver, transport.StateTransferChunk{
					Origin:      local,
					RebalanceID: req.RebalanceID,
					TopologyID:  req.TopologyID,
					Segment:     req.Segment,
					Entries:     chunk,
					Last:        i == len(chunks)-1,
				})
				if err != nil {
					return errors.PrefixErrorf(err, `cannot transfer segment "%d" to "%s"`, req.Segment, receiver)
				}
			}
			return nil
		})
	}
	return grp.Wait()
}

// Chunks splits entries to chunks of the maximum size, at least one chunk is returned.
func Chunks(entries []model.Entry, size int) [][]model.Entry {
	if len(entries) == 0 {
		return [][]model.Entry{{}}
	}
	var out [][]model.Entry
	for start := 0; start < len(entries); start += size {
		out = append(out, entries[start:min(start+size, len(entries))])
	}
	return out
}
