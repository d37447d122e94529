// Package transport defines node-to-node commands of the grid.
//
// Implementations:
//   - local package, an in-memory network used by tests.
//   - grpcnet package, a gRPC network used by the grid-node binary.
//
// Errors returned by a Handler are delivered to the caller with the same type,
// see the service/common/errors package.
package transport

import (
	"context"

	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/topology"
)

// Transport sends commands to other nodes.
// An unavailable node is reported by NodeUnreachableError.
type Transport interface {
	ClusteredGet(ctx context.Context, to model.Address, req ClusteredGetRequest) (ClusteredGetResponse, error)
	InvalidateL1(ctx context.Context, to model.Address, req InvalidateL1Request) error
	PrimaryWrite(ctx context.Context, to model.Address, req WriteRequest) error
	BackupWrite(ctx context.Context, to model.Address, req BackupWriteRequest) (BackupWriteResponse, error)
	StateTransferChunk(ctx context.Context, to model.Address, req StateTransferChunk) error
	StartStatePush(ctx context.Context, to model.Address, req StatePushRequest) error
	TopologyUpdate(ctx context.Context, to model.Address, req TopologyUpdateRequest) error
}

// Handler handles commands received from other nodes.
type Handler interface {
	HandleClusteredGet(ctx context.Context, req ClusteredGetRequest) (ClusteredGetResponse, error)
	HandleInvalidateL1(ctx context.Context, req InvalidateL1Request) error
	HandlePrimaryWrite(ctx context.Context, req WriteRequest) error
	HandleBackupWrite(ctx context.Context, req BackupWriteRequest) (BackupWriteResponse, error)
	HandleStateTransferChunk(ctx context.Context, req StateTransferChunk) error
	HandleStartStatePush(ctx context.Context, req StatePushRequest) error
	HandleTopologyUpdate(ctx context.Context, req TopologyUpdateRequest) error
}

// ClusteredGetRequest reads a key from an owner.
// If RegisterRequestor is set, the owner invalidates the origin L1 on the next write to the key.
type ClusteredGetRequest struct {
	Origin            model.Address `json:"origin"`
	TopologyID        int           `json:"topologyId"`
	Key               string        `json:"key"`
	RegisterRequestor bool          `json:"registerRequestor,omitempty"`
}

type ClusteredGetResponse struct {
	Found bool   `json:"found"`
	Value []byte `json:"value,omitempty"`
}

// InvalidateL1Request removes the keys from the L1 of the receiver.
type InvalidateL1Request struct {
	Origin model.Address `json:"origin"`
	Keys   []string      `json:"keys"`
}

// Operation is a single key modification.
type Operation struct {
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

// WriteRequest forwards a write to the primary owner.
type WriteRequest struct {
	Origin     model.Address `json:"origin"`
	TopologyID int           `json:"topologyId"`
	Operation  Operation     `json:"operation"`
}

// BackupWriteRequest replicates a write from the primary to a backup.
// The sequence is numbered within the epoch of the segment, see the triangle package.
// Skip marks a sequence reserved by a failed write, the backup only advances its cursor.
// The request is idempotent, a repeated delivery of the sequence is ignored.
type BackupWriteRequest struct {
	Origin     model.Address `json:"origin"`
	TopologyID int           `json:"topologyId"`
	Segment    int           `json:"segment"`
	Epoch      int           `json:"epoch"`
	Sequence   uint64        `json:"sequence"`
	Operation  Operation     `json:"operation"`
	Skip       bool          `json:"skip,omitempty"`
}

// BackupWriteResponse contains L1 requestors registered on the backup, the primary invalidates them.
type BackupWriteResponse struct {
	Requestors model.Addresses `json:"requestors,omitempty"`
}

// StateTransferChunk moves a part of the segment content to a new owner.
type StateTransferChunk struct {
	Origin      model.Address `json:"origin"`
	RebalanceID int           `json:"rebalanceId"`
	TopologyID  int           `json:"topologyId"`
	Segment     int           `json:"segment"`
	Entries     []model.Entry `json:"entries"`
	Last        bool          `json:"last,omitempty"`
}

// StatePushRequest instructs the receiver to push the segment to the new owners.
// The request returns when all chunks are acknowledged.
type StatePushRequest struct {
	Origin      model.Address   `json:"origin"`
	RebalanceID int             `json:"rebalanceId"`
	TopologyID  int             `json:"topologyId"`
	Segment     int             `json:"segment"`
	Receivers   model.Addresses `json:"receivers"`
}

// TopologyUpdateRequest installs the topology on the receiver.
type TopologyUpdateRequest struct {
	Origin   model.Address           `json:"origin"`
	Topology *topology.CacheTopology `json:"topology"`
}
