package grpcnet

import (
	"context"

	"google.golang.org/grpc"

	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
)

const serviceName = "grid.Grid"

const (
	methodClusteredGet       = "ClusteredGet"
	methodInvalidateL1       = "InvalidateL1"
	methodPrimaryWrite       = "PrimaryWrite"
	methodBackupWrite        = "BackupWrite"
	methodStateTransferChunk = "StateTransferChunk"
	methodStartStatePush     = "StartStatePush"
	methodTopologyUpdate     = "TopologyUpdate"
)

// empty is the response of commands without a result.
type empty struct{}

// serviceDesc describes the grid service without generated protobuf code, messages are encoded by the jsonCodec.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodClusteredGet, transport.Handler.HandleClusteredGet),
		unaryMethod(methodInvalidateL1, withoutResult(transport.Handler.HandleInvalidateL1)),
		unaryMethod(methodPrimaryWrite, withoutResult(transport.Handler.HandlePrimaryWrite)),
		unaryMethod(methodBackupWrite, transport.Handler.HandleBackupWrite),
		unaryMethod(methodStateTransferChunk, withoutResult(transport.Handler.HandleStateTransferChunk)),
		unaryMethod(methodStartStatePush, withoutResult(transport.Handler.HandleStartStatePush)),
		unaryMethod(methodTopologyUpdate, withoutResult(transport.Handler.HandleTopologyUpdate)),
	},
	Metadata: "grid",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func withoutResult[Req any](fn func(h transport.Handler, ctx context.Context, req Req) error) func(h transport.Handler, ctx context.Context, req Req) (empty, error) {
	return func(h transport.Handler, ctx context.Context, req Req) (empty, error) {
		return empty{}, fn(h, ctx, req)
	}
}

func unaryMethod[Req any, Res any](name string, fn func(h transport.Handler, ctx context.Context, req Req) (Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, toStatus(gridErrors.NewMarshallingError(err))
			}

			handler := srv.(transport.Handler)
			call := func(ctx context.Context, req any) (any, error) {
				res, err := fn(handler, ctx, *req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return &res, nil
			}

			if interceptor == nil {
				return call(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}, call)
		},
	}
}
